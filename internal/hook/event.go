package hook

import (
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Op is the kind of row mutation reported by the pre-update hook.
type Op int

// Row mutation kinds, using SQLite's action codes.
const (
	OpInsert = Op(sqlite3.SQLITE_INSERT)
	OpUpdate = Op(sqlite3.SQLITE_UPDATE)
	OpDelete = Op(sqlite3.SQLITE_DELETE)
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "INSERT"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

var (
	// ErrCapabilityUnavailable is returned by Register when the SQLite build
	// in use was compiled without the pre-update hook.
	ErrCapabilityUnavailable = errors.New("sqlite pre-update hook is not available in this build")
	// ErrInvalidAccessor is returned when event data is read in a context
	// where it is not defined.
	ErrInvalidAccessor = errors.New("invalid pre-update accessor use")
	// ErrNoDispatch is returned when dispatch state is queried outside of an
	// observer callback.
	ErrNoDispatch = fmt.Errorf("%w: no dispatch in progress", ErrInvalidAccessor)
	// ErrEventExpired is returned by Event accessors after the observer
	// callback which received the Event has returned.
	ErrEventExpired = fmt.Errorf("%w: event used after its callback returned", ErrInvalidAccessor)
	// ErrColumnRange is returned for a column index outside of the row.
	ErrColumnRange = fmt.Errorf("%w: column index out of range", ErrInvalidAccessor)
)

// rowSource is the engine side of an Event. *sqlite3.SQLitePreUpdateData
// implements it.
type rowSource interface {
	Count() int
	Depth() int
	Old(dest ...any) error
	New(dest ...any) error
}

// Event is a single row change observed before it is applied. An Event is
// only valid for the dynamic extent of the Observer call which receives it;
// use Snapshot to retain its contents.
type Event struct {
	op       Op
	database string
	table    string
	oldRowID int64
	newRowID int64
	// depth and affected are fixed at dispatch, so they can be read by
	// Conn.NestingDepth and Conn.AffectedRowCount from other goroutines.
	depth    int
	affected int

	src     rowSource
	oldRow  []any
	newRow  []any
	expired bool
}

// Op returns the mutation kind.
func (e *Event) Op() Op { return e.op }

// Database returns the schema name ("main", "temp" or an ATTACH alias).
func (e *Event) Database() string { return e.database }

// Table returns the name of the table being modified.
func (e *Event) Table() string { return e.table }

// OldRowID returns the rowid of the row before the change. It is only
// meaningful for updates and deletes.
func (e *Event) OldRowID() int64 { return e.oldRowID }

// NewRowID returns the rowid of the row after the change. It is only
// meaningful for inserts and updates.
func (e *Event) NewRowID() int64 { return e.newRowID }

// AffectedRows returns the number of rows dispatched so far for the current
// statement, including this one.
func (e *Event) AffectedRows() (int, error) {
	if e.expired {
		return 0, ErrEventExpired
	}
	return e.affected, nil
}

// Depth returns the trigger nesting depth: 0 for rows changed directly by
// the top-level statement, N for rows changed by an N-deep trigger program.
func (e *Event) Depth() (int, error) {
	if e.expired {
		return 0, ErrEventExpired
	}
	return e.depth, nil
}

// ColumnCount returns the number of columns in the row being changed.
func (e *Event) ColumnCount() (int, error) {
	if e.expired {
		return 0, ErrEventExpired
	}
	return e.src.Count(), nil
}

// OldRow returns the pre-image of the row. Inserts have no pre-image.
func (e *Event) OldRow() ([]any, error) {
	if e.expired {
		return nil, ErrEventExpired
	}
	if e.op == OpInsert {
		return nil, fmt.Errorf("%w: no old row for %s", ErrInvalidAccessor, e.op)
	}
	if e.oldRow == nil {
		row := make([]any, e.src.Count())
		if err := e.src.Old(row...); err != nil {
			return nil, fmt.Errorf("failed to read old row: %w", err)
		}
		e.oldRow = row
	}
	return e.oldRow, nil
}

// NewRow returns the post-image of the row. Deletes have no post-image.
func (e *Event) NewRow() ([]any, error) {
	if e.expired {
		return nil, ErrEventExpired
	}
	if e.op == OpDelete {
		return nil, fmt.Errorf("%w: no new row for %s", ErrInvalidAccessor, e.op)
	}
	if e.newRow == nil {
		row := make([]any, e.src.Count())
		if err := e.src.New(row...); err != nil {
			return nil, fmt.Errorf("failed to read new row: %w", err)
		}
		e.newRow = row
	}
	return e.newRow, nil
}

// Old returns the pre-image value of column i.
func (e *Event) Old(i int) (any, error) {
	row, err := e.OldRow()
	if err != nil {
		return nil, err
	}
	return column(row, i)
}

// New returns the post-image value of column i.
func (e *Event) New(i int) (any, error) {
	row, err := e.NewRow()
	if err != nil {
		return nil, err
	}
	return column(row, i)
}

func column(row []any, i int) (any, error) {
	if i < 0 || i >= len(row) {
		return nil, fmt.Errorf("%w: %d of %d", ErrColumnRange, i, len(row))
	}
	return row[i], nil
}

// Snapshot copies the Event into a Change which may outlive the callback.
func (e *Event) Snapshot() (Change, error) {
	if e.expired {
		return Change{}, ErrEventExpired
	}
	ch := Change{
		Op:           e.op,
		Database:     e.database,
		Table:        e.table,
		OldRowID:     e.oldRowID,
		NewRowID:     e.newRowID,
		Depth:        e.depth,
		AffectedRows: e.affected,
		CapturedAt:   time.Now(),
	}
	if e.op != OpInsert {
		row, err := e.OldRow()
		if err != nil {
			return Change{}, err
		}
		ch.Old = append([]any(nil), row...)
	}
	if e.op != OpDelete {
		row, err := e.NewRow()
		if err != nil {
			return Change{}, err
		}
		ch.New = append([]any(nil), row...)
	}
	return ch, nil
}

func (e *Event) expire() {
	e.expired = true
	e.src = nil
	e.oldRow, e.newRow = nil, nil
}

// Change is a detached copy of an Event.
type Change struct {
	Op           Op
	Database     string
	Table        string
	OldRowID     int64
	NewRowID     int64
	Depth        int
	AffectedRows int
	// Old is nil for inserts, New is nil for deletes.
	Old        []any
	New        []any
	CapturedAt time.Time
}
