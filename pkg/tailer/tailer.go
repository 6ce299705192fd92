// Package tailer reads one task's log channel in order, from the beginning or
// from a resume cursor, until the task is done.
package tailer

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/flowstream/pkg/logchannel"
	"github.com/ignatij/flowstream/pkg/models"
	"github.com/ignatij/flowstream/pkg/storage"
	"github.com/pkg/errors"
)

const (
	DefaultBlock = time.Second
	DefaultBatch = 100
)

var (
	// ErrUnknownTask is returned when the status store has no record of the task.
	ErrUnknownTask = errors.New("unknown task")
	// ErrChannelGone is returned when a running task's channel has disappeared,
	// usually because it expired.
	ErrChannelGone = errors.New("log channel gone")
	ErrClosed      = errors.New("tailer closed")
)

// StatusLookup resolves the current lifecycle state of a task. Unknown tasks
// are reported with storage.ErrNotFound.
type StatusLookup interface {
	StatusOf(ctx context.Context, taskID string) (models.State, error)
}

type StatusFunc func(ctx context.Context, taskID string) (models.State, error)

func (f StatusFunc) StatusOf(ctx context.Context, taskID string) (models.State, error) {
	return f(ctx, taskID)
}

// StoreLookup resolves states straight from a status store.
func StoreLookup(store storage.Store) StatusLookup {
	return StatusFunc(func(ctx context.Context, taskID string) (models.State, error) {
		rec, err := store.Load(ctx, taskID)
		if err != nil {
			return "", err
		}
		return rec.State, nil
	})
}

type Option func(*Tailer)

// WithCursor resumes after the entry with the given id.
func WithCursor(id string) Option {
	return func(t *Tailer) {
		if id != "" {
			t.cursor = id
		}
	}
}

// WithBlock sets how long a single read waits for new entries.
func WithBlock(d time.Duration) Option {
	return func(t *Tailer) {
		t.block = d
	}
}

func WithBatch(n int64) Option {
	return func(t *Tailer) {
		t.batch = n
	}
}

// WithBarrier overrides the drain barrier the tailer reports its progress to.
// By default the channel is used when it implements logchannel.Barrier.
func WithBarrier(b logchannel.Barrier) Option {
	return func(t *Tailer) {
		t.barrier = b
	}
}

// Tailer is a single subscription to a task's channel. It is not safe for
// concurrent use.
type Tailer struct {
	id      string
	taskID  string
	channel logchannel.Channel
	lookup  StatusLookup
	barrier logchannel.Barrier
	block   time.Duration
	batch   int64

	cursor  string
	reader  logchannel.Reader
	pending []models.LogEntry
	err     error
}

func New(channel logchannel.Channel, lookup StatusLookup, taskID string, opts ...Option) *Tailer {
	t := &Tailer{
		id:      uuid.NewString(),
		taskID:  taskID,
		channel: channel,
		lookup:  lookup,
		block:   DefaultBlock,
		batch:   DefaultBatch,
		cursor:  logchannel.Beginning,
	}
	if b, ok := channel.(logchannel.Barrier); ok {
		t.barrier = b
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tailer) ID() string {
	return t.id
}

// Cursor is the id of the last entry returned by Next.
func (t *Tailer) Cursor() string {
	return t.cursor
}

// Next returns the next entry. It returns io.EOF once the task is terminal
// and the channel is drained, ErrUnknownTask, ErrChannelGone, a transport
// error or the context error. Every error closes the tailer.
func (t *Tailer) Next(ctx context.Context) (models.LogEntry, error) {
	if t.err != nil {
		return models.LogEntry{}, t.err
	}
	for {
		if len(t.pending) > 0 {
			entry := t.pending[0]
			t.pending = t.pending[1:]
			t.cursor = entry.ID
			return entry, nil
		}
		if err := ctx.Err(); err != nil {
			return models.LogEntry{}, t.finish(err)
		}
		if t.reader == nil {
			reader, err := t.channel.OpenReader(ctx, t.taskID)
			if err != nil {
				return models.LogEntry{}, t.finish(err)
			}
			t.reader = reader
		}
		entries, err := t.reader.Read(ctx, t.cursor, t.batch, t.block)
		if err != nil {
			return models.LogEntry{}, t.finish(err)
		}
		if len(entries) > 0 {
			t.pending = entries
			continue
		}
		if err := t.idle(ctx); err != nil {
			return models.LogEntry{}, t.finish(err)
		}
	}
}

// idle decides whether an empty read ends the subscription.
func (t *Tailer) idle(ctx context.Context) error {
	if t.barrier != nil {
		if err := t.barrier.Acknowledge(ctx, t.taskID, t.id, t.cursor); err != nil {
			return err
		}
	}
	state, err := t.status(ctx)
	if err != nil {
		return err
	}
	if state.Terminal() {
		return io.EOF
	}
	if state != models.StartedState {
		return nil
	}
	exists, err := t.channel.Exists(ctx, t.taskID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	// The attempt may have finished and cleaned up between the two lookups.
	state, err = t.status(ctx)
	if err != nil {
		return err
	}
	switch {
	case state.Terminal():
		return io.EOF
	case state == models.StartedState:
		return ErrChannelGone
	}
	return nil
}

func (t *Tailer) status(ctx context.Context) (models.State, error) {
	state, err := t.lookup.StatusOf(ctx, t.taskID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrUnknownTask
	}
	if err != nil {
		return "", errors.Wrapf(err, "status of %s", t.taskID)
	}
	return state, nil
}

// Each calls fn for every entry until the task is done. A clean end of the
// stream returns nil.
func (t *Tailer) Each(ctx context.Context, fn func(models.LogEntry) error) error {
	defer t.Close()
	for {
		entry, err := t.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
}

func (t *Tailer) finish(err error) error {
	t.err = err
	t.Close()
	return err
}

// Close releases the reader and the barrier registration. It is safe to call
// more than once.
func (t *Tailer) Close() error {
	if t.err == nil {
		t.err = ErrClosed
	}
	var closeErr error
	if t.reader != nil {
		closeErr = t.reader.Close()
		t.reader = nil
	}
	if t.barrier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = t.barrier.Release(ctx, t.taskID, t.id)
		t.barrier = nil
	}
	return closeErr
}
