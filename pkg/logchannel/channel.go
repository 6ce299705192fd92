// Package logchannel defines the per-task, ordered, append-only log transport
// shared by the worker that produces a task's logs and the tailers that read them.
package logchannel

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ignatij/flowstream/pkg/models"
	"github.com/pkg/errors"
)

const (
	// SafetyExpiry bounds the lifetime of a channel whose cleanup never ran.
	SafetyExpiry = 86400 * time.Second

	// Beginning is the cursor that precedes every entry of a channel.
	Beginning = "0"

	SentinelMessage = "Starting log stream"
)

// Channel is the producer and administration side of the transport.
type Channel interface {
	// Ensure creates the channel with a sentinel entry when it is absent and
	// (re)arms its safety expiry.
	Ensure(ctx context.Context, taskID string) error
	// Publish appends one entry and returns the id the broker assigned to it.
	Publish(ctx context.Context, taskID string, fields map[string]string) (string, error)
	// Delete removes the channel and every entry. Deleting an absent channel is not an error.
	Delete(ctx context.Context, taskID string) error
	Exists(ctx context.Context, taskID string) (bool, error)
	// OpenReader returns a transport handle owned by a single tailer.
	OpenReader(ctx context.Context, taskID string) (Reader, error)
}

// Reader reads a channel in id order.
type Reader interface {
	// Read returns up to count entries with ids strictly greater than after,
	// waiting at most block for the first one. An empty result is not an error.
	Read(ctx context.Context, after string, count int64, block time.Duration) ([]models.LogEntry, error)
	Close() error
}

// Barrier tracks how far each tailer of a channel has read so that cleanup can
// hold off deleting entries a live tailer has not seen yet.
type Barrier interface {
	// Acknowledge records that tailer has consumed the channel up to cursor.
	Acknowledge(ctx context.Context, taskID, tailer, cursor string) error
	// Release forgets tailer.
	Release(ctx context.Context, taskID, tailer string) error
	// Lagging returns how many registered tailers have not reached the last entry.
	Lagging(ctx context.Context, taskID string) (int, error)
}

// TransportError reports that the channel could not be reached.
type TransportError struct {
	Op     string
	TaskID string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("log channel %s %s: %v", e.Op, e.TaskID, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err was caused by an unreachable channel.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// SentinelFields builds the bootstrap entry written when a channel is created.
func SentinelFields(taskID string, now time.Time) map[string]string {
	return map[string]string{
		"message": SentinelMessage,
		"time":    now.UTC().Format(time.RFC3339Nano),
		"level":   "info",
		"task_id": taskID,
	}
}

// EntryFromFields maps stored fields onto a LogEntry.
func EntryFromFields(taskID, id string, fields map[string]string) models.LogEntry {
	return models.LogEntry{
		ID:      id,
		TaskID:  taskID,
		Message: fields["message"],
		Time:    fields["time"],
		Fields:  fields,
	}
}

// CompareID orders two entry ids of the form "<millis>-<seq>". A bare
// "<millis>" is treated as "<millis>-0".
func CompareID(a, b string) int {
	am, as := parseID(a)
	bm, bs := parseID(b)
	switch {
	case am < bm:
		return -1
	case am > bm:
		return 1
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}

func parseID(id string) (uint64, uint64) {
	ms, seq, _ := strings.Cut(id, "-")
	m, _ := strconv.ParseUint(ms, 10, 64)
	s, _ := strconv.ParseUint(seq, 10, 64)
	return m, s
}
