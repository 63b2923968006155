package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"sqlite-cdc/internal/capture"
	"sqlite-cdc/internal/hook"
	"sqlite-cdc/internal/metrics"
	"sqlite-cdc/internal/models"
)

// Processor turns captured changes into change events and publishes them
type Processor struct {
	reader      Reader
	publisher   Publisher
	schema      SchemaSource
	transformer *Transformer
	filter      *Filter
	logger      *logrus.Logger
}

// Reader interface for reading captured changes
type Reader interface {
	ReadChange(ctx context.Context) (hook.Change, error)
}

// Publisher interface for publishing events
type Publisher interface {
	Publish(event *models.ChangeEvent) error
}

// SchemaSource resolves column positions to names
type SchemaSource interface {
	TableColumns(ctx context.Context, database, table string) ([]hook.Column, error)
	ForgetTable(database, table string)
}

// NewProcessor creates a new change processor. transformer and filter may be nil.
func NewProcessor(reader Reader, publisher Publisher, schema SchemaSource, transformer *Transformer, filter *Filter, logger *logrus.Logger) *Processor {
	return &Processor{
		reader:      reader,
		publisher:   publisher,
		schema:      schema,
		transformer: transformer,
		filter:      filter,
		logger:      logger,
	}
}

// columns returns the columns of a table, refetching once if the cached
// schema does not match the width of the captured row.
func (p *Processor) columns(ctx context.Context, ch hook.Change) []hook.Column {
	width := len(ch.New)
	if ch.Old != nil {
		width = len(ch.Old)
	}

	cols, err := p.schema.TableColumns(ctx, ch.Database, ch.Table)
	if err == nil && len(cols) != width {
		p.schema.ForgetTable(ch.Database, ch.Table)
		cols, err = p.schema.TableColumns(ctx, ch.Database, ch.Table)
		if err == nil && len(cols) != width {
			p.logger.Warnf("Column count mismatch for %s.%s: row has %d values, table has %d columns",
				ch.Database, ch.Table, width, len(cols))
		}
	}
	if err != nil {
		p.logger.Warnf("Failed to get columns of %s.%s: %v, using positional names", ch.Database, ch.Table, err)
		return nil
	}
	return cols
}

// ProcessChange converts a captured change into a change event
func (p *Processor) ProcessChange(ctx context.Context, ch hook.Change) *models.ChangeEvent {
	cols := p.columns(ctx, ch)

	event := &models.ChangeEvent{
		ID:        uuid.NewString(),
		Type:      ch.Op.String(),
		Database:  ch.Database,
		Table:     ch.Table,
		Timestamp: ch.CapturedAt.Unix(),
		Depth:     ch.Depth,
		Sequence:  ch.AffectedRows,
	}
	if ch.Old != nil {
		event.OldRowID = ch.OldRowID
		event.OldRow = rowMap(ch.Old, cols)
	}
	if ch.New != nil {
		event.RowID = ch.NewRowID
		event.Row = rowMap(ch.New, cols)
	}
	return event
}

func rowMap(values []any, cols []hook.Column) map[string]interface{} {
	m := make(map[string]interface{}, len(values))
	for i, v := range values {
		if i < len(cols) {
			m[cols[i].Name] = convertValue(v, cols[i].Type)
		} else {
			m[fmt.Sprintf("c%d", i)] = convertValue(v, "")
		}
	}
	return m
}

// convertValue converts blobs to strings unless the column has BLOB
// affinity. Row images carry TEXT values as []byte too, so for untyped and
// unknown columns valid UTF-8 is taken to be text. Other blobs stay []byte,
// which JSON encodes as base64.
func convertValue(value interface{}, declType string) interface{} {
	b, ok := value.([]byte)
	if !ok {
		return value
	}
	t := strings.ToUpper(declType)
	switch {
	case strings.Contains(t, "CHAR"), strings.Contains(t, "CLOB"), strings.Contains(t, "TEXT"):
		return string(b)
	case strings.Contains(t, "BLOB"):
		return b
	case utf8.Valid(b):
		return string(b)
	}
	return b
}

// Start processes captured changes until ctx is done or the reader stops
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Info("Starting change processor...")

	for {
		ch, err := p.reader.ReadChange(ctx)
		if errors.Is(err, capture.ErrStopped) {
			p.logger.Info("Capture stopped, stopping change processor")
			return nil
		} else if ctx.Err() != nil {
			p.logger.Info("Context cancelled, stopping change processor")
			return nil
		} else if err != nil {
			return fmt.Errorf("failed to read change: %w", err)
		}

		if p.filter != nil && !p.filter.Match(ch) {
			metrics.EventsRejectedTotal.Inc()
			p.logger.Debugf("Filtered %s of %s.%s (depth %d)", ch.Op, ch.Database, ch.Table, ch.Depth)
			continue
		}

		event := p.ProcessChange(ctx, ch)

		if p.transformer != nil {
			event, err = p.transformer.Transform(event)
			if errors.Is(err, ErrEventRejected) || (err == nil && event == nil) {
				metrics.EventsRejectedTotal.Inc()
				p.logger.Debugf("Event rejected by transformer: %s.%s (type: %s)", ch.Database, ch.Table, ch.Op)
				continue
			} else if err != nil {
				p.logger.Errorf("Error transforming event: %v", err)
				continue
			}
		}

		if err := p.publisher.Publish(event); err != nil {
			metrics.EventsPublishedTotal.WithLabelValues(metrics.Fail).Inc()
			p.logger.Errorf("Error publishing event: %v", err)
			continue
		}
		metrics.EventsPublishedTotal.WithLabelValues(metrics.Ok).Inc()
		p.logger.Debugf("Processed %s event for %s.%s (rowid %d)", event.Type, event.Database, event.Table, event.RowID)
	}
}
