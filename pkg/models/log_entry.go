package models

import "time"

// LogEntry is one immutable record of a task's log channel.
type LogEntry struct {
	ID      string            `json:"id"`      // Broker assigned, ordered within the channel
	TaskID  string            `json:"task_id"` // Channel the entry belongs to
	Message string            `json:"message"`
	Time    string            `json:"time"`
	Fields  map[string]string `json:"fields,omitempty"` // Everything the sink captured, rendered as text
}

// Timestamp parses the entry time written by the sink.
func (e LogEntry) Timestamp() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, e.Time)
}

// LogMessage is the shape a subscriber receives for each entry.
type LogMessage struct {
	TaskID    string `json:"task_id"`
	MessageID string `json:"message_id"`
	Message   string `json:"message"`
	Time      string `json:"time"`
}

func (e LogEntry) Wire() LogMessage {
	return LogMessage{
		TaskID:    e.TaskID,
		MessageID: e.ID,
		Message:   e.Message,
		Time:      e.Time,
	}
}
