// Package capture turns pre-update hook events into a stream of detached
// changes for consumption off the write path.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"sqlite-cdc/internal/hook"
	"sqlite-cdc/internal/metrics"
)

// ErrStopped is returned by ReadChange once the Capture is stopped and its
// buffer drained.
var ErrStopped = errors.New("capture stopped")

// Registry is the part of *hook.Conn used by Capture.
type Registry interface {
	Register(obs hook.Observer) (hook.Observer, error)
}

// Capture is a hook.Observer which snapshots every event into a bounded
// buffer. It never blocks the writer: when the buffer is full the change is
// dropped and counted.
type Capture struct {
	registry Registry
	changes  chan hook.Change
	logger   *logrus.Logger

	mu       sync.Mutex
	previous hook.Observer
	started  bool
	done     bool
	stopped  chan struct{}
	dropped  atomic.Uint64
}

// New returns a Capture buffering up to bufferSize changes.
func New(registry Registry, bufferSize int, logger *logrus.Logger) *Capture {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Capture{
		registry: registry,
		changes:  make(chan hook.Change, bufferSize),
		logger:   logger,
		stopped:  make(chan struct{}),
	}
}

// Start registers the Capture, remembering the Observer it displaces.
func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	} else if c.done {
		return ErrStopped
	}
	prev, err := c.registry.Register(c)
	if err != nil {
		return fmt.Errorf("failed to register capture: %w", err)
	}
	c.previous, c.started = prev, true
	c.logger.Info("Change capture started")
	return nil
}

// Stop restores the Observer displaced by Start. Changes already buffered
// remain readable.
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil
	}
	if _, err := c.registry.Register(c.previous); err != nil {
		return fmt.Errorf("failed to restore previous observer: %w", err)
	}
	c.started, c.done = false, true
	close(c.stopped)
	c.logger.Infof("Change capture stopped (%d changes dropped)", c.Dropped())
	return nil
}

// OnRowChange implements hook.Observer.
func (c *Capture) OnRowChange(ev *hook.Event) error {
	ch, err := ev.Snapshot()
	if err != nil {
		return fmt.Errorf("failed to snapshot %s.%s: %w", ev.Database(), ev.Table(), err)
	}
	c.push(ch)
	return nil
}

func (c *Capture) push(ch hook.Change) {
	select {
	case c.changes <- ch:
	default:
		c.dropped.Add(1)
		metrics.CaptureDroppedTotal.Inc()
		c.logger.Warnf("Capture buffer full, dropped %s of %s.%s", ch.Op, ch.Database, ch.Table)
	}
}

// Dropped returns the number of changes dropped so far.
func (c *Capture) Dropped() uint64 { return c.dropped.Load() }

// ReadChange returns the next captured change, waiting until one is
// available, ctx is done, or the Capture is stopped and drained.
func (c *Capture) ReadChange(ctx context.Context) (hook.Change, error) {
	select {
	case ch := <-c.changes:
		return ch, nil
	default:
	}

	select {
	case ch := <-c.changes:
		return ch, nil
	case <-ctx.Done():
		return hook.Change{}, ctx.Err()
	case <-c.stopped:
		select {
		case ch := <-c.changes:
			return ch, nil
		default:
			return hook.Change{}, ErrStopped
		}
	}
}
