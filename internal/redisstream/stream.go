// Package redisstream implements the log channel on Redis Streams. The stream
// key of a task is its task id; the tailer registry lives next to it.
package redisstream

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/ignatij/flowstream/pkg/logchannel"
	"github.com/ignatij/flowstream/pkg/models"
	"github.com/spf13/cast"
)

// ensureScript creates the stream with its sentinel entry only when the key is
// absent, then (re)arms the expiry. Both steps run atomically.
var ensureScript = redis.NewScript(`
local created = 0
if redis.call('EXISTS', KEYS[1]) == 0 then
	redis.call('XADD', KEYS[1], '*', 'message', ARGV[2], 'time', ARGV[3], 'level', 'info', 'task_id', ARGV[4])
	created = 1
end
redis.call('EXPIRE', KEYS[1], ARGV[1])
return created
`)

// publishScript appends one entry. A stream that vanished since Ensure is
// recreated with its sentinel, and a stream without expiry gets one.
var publishScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	redis.call('XADD', KEYS[1], '*', 'message', ARGV[2], 'time', ARGV[3], 'level', 'info', 'task_id', ARGV[4])
end
local id = redis.call('XADD', KEYS[1], '*', unpack(ARGV, 5))
if redis.call('TTL', KEYS[1]) < 0 then
	redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return id
`)

// Stream is a logchannel.Channel and logchannel.Barrier backed by Redis.
type Stream struct {
	client *redis.Client
	expiry time.Duration
	now    func() time.Time
}

type Option func(*Stream)

func WithExpiry(d time.Duration) Option {
	return func(s *Stream) {
		s.expiry = d
	}
}

func New(client *redis.Client, opts ...Option) *Stream {
	s := &Stream{
		client: client,
		expiry: logchannel.SafetyExpiry,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect opens a client and checks that the server answers.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, &logchannel.TransportError{Op: "connect", TaskID: addr, Err: err}
	}
	return client, nil
}

func tailersKey(taskID string) string {
	return taskID + ":tailers"
}

func (s *Stream) Ensure(ctx context.Context, taskID string) error {
	sentinel := logchannel.SentinelFields(taskID, s.now())
	err := ensureScript.Run(ctx, s.client, []string{taskID},
		int64(s.expiry/time.Second), sentinel["message"], sentinel["time"], taskID).Err()
	if err != nil {
		return &logchannel.TransportError{Op: "ensure", TaskID: taskID, Err: err}
	}
	return nil
}

func (s *Stream) Publish(ctx context.Context, taskID string, fields map[string]string) (string, error) {
	if len(fields) == 0 {
		fields = map[string]string{"message": ""}
	}
	sentinel := logchannel.SentinelFields(taskID, s.now())
	args := make([]interface{}, 0, 4+2*len(fields))
	args = append(args, int64(s.expiry/time.Second), sentinel["message"], sentinel["time"], taskID)
	for k, v := range fields {
		args = append(args, k, v)
	}
	id, err := publishScript.Run(ctx, s.client, []string{taskID}, args...).Text()
	if err != nil {
		return "", &logchannel.TransportError{Op: "publish", TaskID: taskID, Err: err}
	}
	return id, nil
}

func (s *Stream) Delete(ctx context.Context, taskID string) error {
	if err := s.client.Del(ctx, taskID, tailersKey(taskID)).Err(); err != nil {
		return &logchannel.TransportError{Op: "delete", TaskID: taskID, Err: err}
	}
	return nil
}

func (s *Stream) Exists(ctx context.Context, taskID string) (bool, error) {
	n, err := s.client.Exists(ctx, taskID).Result()
	if err != nil {
		return false, &logchannel.TransportError{Op: "exists", TaskID: taskID, Err: err}
	}
	return n > 0, nil
}

// OpenReader pins a pooled connection to the tailer so a blocking XREAD does
// not hold a connection other callers are waiting for.
func (s *Stream) OpenReader(ctx context.Context, taskID string) (logchannel.Reader, error) {
	return &reader{conn: s.client.Conn(ctx), taskID: taskID}, nil
}

func (s *Stream) Acknowledge(ctx context.Context, taskID, tailer, cursor string) error {
	key := tailersKey(taskID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, tailer, cursor)
		pipe.Expire(ctx, key, s.expiry)
		return nil
	})
	if err != nil {
		return &logchannel.TransportError{Op: "acknowledge", TaskID: taskID, Err: err}
	}
	return nil
}

func (s *Stream) Release(ctx context.Context, taskID, tailer string) error {
	if err := s.client.HDel(ctx, tailersKey(taskID), tailer).Err(); err != nil {
		return &logchannel.TransportError{Op: "release", TaskID: taskID, Err: err}
	}
	return nil
}

func (s *Stream) Lagging(ctx context.Context, taskID string) (int, error) {
	last, err := s.client.XRevRangeN(ctx, taskID, "+", "-", 1).Result()
	if err != nil {
		return 0, &logchannel.TransportError{Op: "lagging", TaskID: taskID, Err: err}
	}
	if len(last) == 0 {
		return 0, nil
	}
	cursors, err := s.client.HGetAll(ctx, tailersKey(taskID)).Result()
	if err != nil {
		return 0, &logchannel.TransportError{Op: "lagging", TaskID: taskID, Err: err}
	}
	lagging := 0
	for _, cursor := range cursors {
		if logchannel.CompareID(cursor, last[0].ID) < 0 {
			lagging++
		}
	}
	return lagging, nil
}

type reader struct {
	conn   *redis.Conn
	taskID string
}

func (r *reader) Read(ctx context.Context, after string, count int64, block time.Duration) ([]models.LogEntry, error) {
	args := &redis.XReadArgs{
		Streams: []string{r.taskID, after},
		Count:   count,
		// go-redis sends BLOCK for any non-negative value and BLOCK 0 waits forever
		Block: -1,
	}
	if block > 0 {
		args.Block = block
	}
	streams, err := r.conn.XRead(ctx, args).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &logchannel.TransportError{Op: "read", TaskID: r.taskID, Err: err}
	}
	var entries []models.LogEntry
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			fields := make(map[string]string, len(msg.Values))
			for k, v := range msg.Values {
				fields[k] = cast.ToString(v)
			}
			entries = append(entries, logchannel.EntryFromFields(r.taskID, msg.ID, fields))
		}
	}
	return entries, nil
}

func (r *reader) Close() error {
	return r.conn.Close()
}
