package logsink

import (
	"sync"

	"github.com/ignatij/flowstream/pkg/logchannel"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
	"go.uber.org/multierr"
)

// Registry is installed once as a hook on the shared logger and dispatches
// every record to the sinks attached for the record's task id.
type Registry struct {
	mu    sync.RWMutex
	sinks map[string][]*Sink
}

// NewRegistry creates a registry and hooks it into logger.
func NewRegistry(logger *logrus.Logger) *Registry {
	r := &Registry{sinks: make(map[string][]*Sink)}
	logger.AddHook(r)
	return r
}

// Attach starts forwarding records tagged with the publisher's task id.
func (r *Registry) Attach(publisher *logchannel.Publisher) *Sink {
	s := newSink(r, publisher)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[s.taskID] = append(r.sinks[s.taskID], s)
	return s
}

// DetachTask closes every sink still attached for taskID.
func (r *Registry) DetachTask(taskID string) error {
	r.mu.RLock()
	lingering := append([]*Sink(nil), r.sinks[taskID]...)
	r.mu.RUnlock()

	var errs error
	for _, s := range lingering {
		errs = multierr.Append(errs, s.Close())
	}
	return errs
}

// Attached returns how many sinks are attached for taskID.
func (r *Registry) Attached(taskID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks[taskID])
}

func (r *Registry) remove(s *Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.sinks[s.taskID]
	for i, candidate := range list {
		if candidate == s {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.sinks, s.taskID)
		return
	}
	r.sinks[s.taskID] = list
}

func (r *Registry) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (r *Registry) Fire(entry *logrus.Entry) error {
	taskID := cast.ToString(entry.Data[TaskIDField])
	if taskID == "" {
		return nil
	}
	r.mu.RLock()
	targets := append([]*Sink(nil), r.sinks[taskID]...)
	r.mu.RUnlock()
	for _, s := range targets {
		_ = s.Fire(entry)
	}
	return nil
}
