// Package logsink forwards the records a task writes to the shared logger into
// that task's log channel.
package logsink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ignatij/flowstream/pkg/logchannel"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
	"go.uber.org/multierr"
)

// TaskIDField is the logrus field that routes a record to a sink.
const TaskIDField = "task_id"

// Sink publishes the records tagged with its task id. It is created and
// removed through a Registry.
type Sink struct {
	taskID    string
	publisher *logchannel.Publisher
	formatter logrus.Formatter
	registry  *Registry

	mu       sync.Mutex
	closed   bool
	inFlight sync.WaitGroup
	errs     error
}

func newSink(registry *Registry, publisher *logchannel.Publisher) *Sink {
	return &Sink{
		taskID:    publisher.TaskID(),
		publisher: publisher,
		registry:  registry,
		formatter: &logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "time",
				logrus.FieldKeyMsg:   "message",
				logrus.FieldKeyLevel: "level",
			},
		},
	}
}

func (s *Sink) TaskID() string {
	return s.taskID
}

func (s *Sink) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire publishes entry when it belongs to the sink's task. Publish failures are
// kept and reported by Close.
func (s *Sink) Fire(entry *logrus.Entry) error {
	if cast.ToString(entry.Data[TaskIDField]) != s.taskID {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.inFlight.Add(1)
	s.mu.Unlock()
	defer s.inFlight.Done()

	fields, err := s.fields(entry)
	if err == nil {
		_, err = s.publisher.Publish(context.Background(), fields)
	}
	if err != nil {
		s.mu.Lock()
		s.errs = multierr.Append(s.errs, err)
		s.mu.Unlock()
	}
	return nil
}

func (s *Sink) fields(entry *logrus.Entry) (map[string]string, error) {
	raw, err := s.formatter.Format(entry)
	if err != nil {
		return nil, errors.Wrap(err, "format log entry")
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, errors.Wrap(err, "decode log entry")
	}
	fields := make(map[string]string, len(decoded))
	for k, v := range decoded {
		text, err := cast.ToStringE(v)
		if err != nil {
			text = fmt.Sprint(v)
		}
		fields[k] = text
	}
	fields[TaskIDField] = s.taskID
	return fields, nil
}

// Close waits for in-flight publishes, detaches the sink and returns the
// publish errors seen since it was attached. Closing again is a no-op.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.inFlight.Wait()
	s.registry.remove(s)

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.errs
	s.errs = nil
	return err
}
