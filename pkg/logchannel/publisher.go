package logchannel

import (
	"context"
	"sync"
	"time"
)

// Publisher appends entries to one task's channel. It is the channel's only writer.
type Publisher struct {
	channel Channel
	taskID  string

	mu      sync.Mutex
	ensured bool
}

func NewPublisher(channel Channel, taskID string) *Publisher {
	return &Publisher{channel: channel, taskID: taskID}
}

func (p *Publisher) TaskID() string {
	return p.taskID
}

// Publish appends fields as one entry, creating the channel on first use.
func (p *Publisher) Publish(ctx context.Context, fields map[string]string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ensured {
		if err := p.channel.Ensure(ctx, p.taskID); err != nil {
			return "", err
		}
		p.ensured = true
	}
	return p.channel.Publish(ctx, p.taskID, fields)
}

// PublishMessage appends a plain message stamped with ts.
func (p *Publisher) PublishMessage(ctx context.Context, message string, ts time.Time) (string, error) {
	return p.Publish(ctx, map[string]string{
		"message": message,
		"time":    ts.UTC().Format(time.RFC3339Nano),
		"task_id": p.taskID,
	})
}
