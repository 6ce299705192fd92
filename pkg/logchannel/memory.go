package logchannel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ignatij/flowstream/pkg/models"
)

type memStream struct {
	entries []models.LogEntry
	// zero means the channel never expires
	expiresAt time.Time
}

// Memory is an in-process Channel and Barrier. Expiry is evaluated lazily
// against the injected clock; blocking reads wait in real time.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	expiry  time.Duration
	streams map[string]*memStream
	cursors map[string]map[string]string
	lastMs  uint64
	lastSeq uint64
	wake    chan struct{}
	down    error
}

type MemoryOption func(*Memory)

// WithClock replaces time.Now for ids, sentinel timestamps and expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

func WithExpiry(d time.Duration) MemoryOption {
	return func(m *Memory) {
		m.expiry = d
	}
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		now:     time.Now,
		expiry:  SafetyExpiry,
		streams: make(map[string]*memStream),
		cursors: make(map[string]map[string]string),
		wake:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetUnavailable makes every operation fail with a TransportError wrapping err
// until it is called again with nil.
func (m *Memory) SetUnavailable(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = err
}

func (m *Memory) Ensure(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down != nil {
		return &TransportError{Op: "ensure", TaskID: taskID, Err: m.down}
	}
	s, ok := m.streamLocked(taskID)
	if !ok {
		s = &memStream{}
		m.streams[taskID] = s
		m.appendLocked(taskID, s, SentinelFields(taskID, m.now()))
	}
	s.expiresAt = m.now().Add(m.expiry)
	return nil
}

func (m *Memory) Publish(_ context.Context, taskID string, fields map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down != nil {
		return "", &TransportError{Op: "publish", TaskID: taskID, Err: m.down}
	}
	s, ok := m.streamLocked(taskID)
	if !ok {
		// recreated after an expiry or a delete: same shape as Ensure
		s = &memStream{expiresAt: m.now().Add(m.expiry)}
		m.streams[taskID] = s
		m.appendLocked(taskID, s, SentinelFields(taskID, m.now()))
	}
	return m.appendLocked(taskID, s, fields), nil
}

func (m *Memory) Delete(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down != nil {
		return &TransportError{Op: "delete", TaskID: taskID, Err: m.down}
	}
	delete(m.streams, taskID)
	delete(m.cursors, taskID)
	return nil
}

func (m *Memory) Exists(_ context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down != nil {
		return false, &TransportError{Op: "exists", TaskID: taskID, Err: m.down}
	}
	_, ok := m.streamLocked(taskID)
	return ok, nil
}

func (m *Memory) OpenReader(_ context.Context, taskID string) (Reader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down != nil {
		return nil, &TransportError{Op: "open", TaskID: taskID, Err: m.down}
	}
	return &memReader{m: m, taskID: taskID}, nil
}

// Entries returns a copy of everything currently stored for taskID.
func (m *Memory) Entries(taskID string) []models.LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streamLocked(taskID)
	if !ok {
		return nil
	}
	out := make([]models.LogEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (m *Memory) Acknowledge(_ context.Context, taskID, tailer, cursor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down != nil {
		return &TransportError{Op: "acknowledge", TaskID: taskID, Err: m.down}
	}
	if m.cursors[taskID] == nil {
		m.cursors[taskID] = make(map[string]string)
	}
	m.cursors[taskID][tailer] = cursor
	return nil
}

func (m *Memory) Release(_ context.Context, taskID, tailer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down != nil {
		return &TransportError{Op: "release", TaskID: taskID, Err: m.down}
	}
	delete(m.cursors[taskID], tailer)
	return nil
}

func (m *Memory) Lagging(_ context.Context, taskID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down != nil {
		return 0, &TransportError{Op: "lagging", TaskID: taskID, Err: m.down}
	}
	s, ok := m.streamLocked(taskID)
	if !ok || len(s.entries) == 0 {
		return 0, nil
	}
	last := s.entries[len(s.entries)-1].ID
	lagging := 0
	for _, cursor := range m.cursors[taskID] {
		if CompareID(cursor, last) < 0 {
			lagging++
		}
	}
	return lagging, nil
}

func (m *Memory) streamLocked(taskID string) (*memStream, bool) {
	s, ok := m.streams[taskID]
	if !ok {
		return nil, false
	}
	if !s.expiresAt.IsZero() && !m.now().Before(s.expiresAt) {
		delete(m.streams, taskID)
		delete(m.cursors, taskID)
		return nil, false
	}
	return s, true
}

func (m *Memory) appendLocked(taskID string, s *memStream, fields map[string]string) string {
	ms := uint64(m.now().UnixMilli())
	if ms > m.lastMs {
		m.lastMs = ms
		m.lastSeq = 0
	} else {
		m.lastSeq++
	}
	id := fmt.Sprintf("%d-%d", m.lastMs, m.lastSeq)
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	s.entries = append(s.entries, EntryFromFields(taskID, id, copied))
	close(m.wake)
	m.wake = make(chan struct{})
	return id
}

type memReader struct {
	m      *Memory
	taskID string
	closed bool
}

func (r *memReader) Read(ctx context.Context, after string, count int64, block time.Duration) ([]models.LogEntry, error) {
	var timer *time.Timer
	for {
		r.m.mu.Lock()
		if r.closed {
			r.m.mu.Unlock()
			return nil, fmt.Errorf("read %s: reader closed", r.taskID)
		}
		if r.m.down != nil {
			err := &TransportError{Op: "read", TaskID: r.taskID, Err: r.m.down}
			r.m.mu.Unlock()
			return nil, err
		}
		var out []models.LogEntry
		if s, ok := r.m.streamLocked(r.taskID); ok {
			for _, e := range s.entries {
				if CompareID(e.ID, after) <= 0 {
					continue
				}
				out = append(out, e)
				if count > 0 && int64(len(out)) >= count {
					break
				}
			}
		}
		wake := r.m.wake
		r.m.mu.Unlock()

		if len(out) > 0 || block <= 0 {
			return out, nil
		}
		if timer == nil {
			timer = time.NewTimer(block)
			defer timer.Stop()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-wake:
		}
	}
}

func (r *memReader) Close() error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.closed = true
	return nil
}
