package http

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/ignatij/flowstream/internal/log"
	"github.com/ignatij/flowstream/pkg/models"
	"github.com/ignatij/flowstream/pkg/service"
	"github.com/ignatij/flowstream/pkg/storage"
	"github.com/ignatij/flowstream/pkg/tailer"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
)

const minPollInterval = 10 * time.Millisecond

type submitPayload struct {
	service.SubmitRequest
	// Staged tasks wait for POST /tasks/:id/launch.
	Staged bool `json:"staged,omitempty"`
}

// SubmitHandler creates a task and queues it, or stages it when asked to.
func (a *API) SubmitHandler(c *gin.Context) {
	var payload submitPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}
	if payload.Pipeline == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing 'pipeline'"})
		return
	}

	submit := a.tasks.Submit
	if payload.Staged {
		submit = a.tasks.Stage
	}
	rec, err := submit(c.Request.Context(), payload.SubmitRequest)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, rec)
}

func (a *API) LaunchHandler(c *gin.Context) {
	rec, err := a.tasks.Launch(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, rec)
}

func (a *API) ListHandler(c *gin.Context) {
	limit, err := cast.ToIntE(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'limit'"})
		return
	}
	records, err := a.tasks.List(c.Request.Context(), limit)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func (a *API) GetHandler(c *gin.Context) {
	rec, err := a.tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (a *API) HistoryHandler(c *gin.Context) {
	history, err := a.tasks.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

func (a *API) DeleteHandler(c *gin.Context) {
	if err := a.tasks.Delete(c.Request.Context(), c.Param("id")); err != nil {
		a.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// LogsHandler streams the task's log channel as server-sent events. Each event
// id is the entry id, so a reconnecting client resumes with Last-Event-ID; the
// after query parameter does the same for clients that cannot set headers.
func (a *API) LogsHandler(c *gin.Context) {
	ctx := c.Request.Context()
	taskID := c.Param("id")
	if _, err := a.tasks.StatusOf(ctx, taskID); err != nil {
		a.fail(c, err)
		return
	}
	after := c.GetHeader("Last-Event-ID")
	if after == "" {
		after = c.Query("after")
	}

	tl := tailer.New(a.channel, a.tasks, taskID,
		tailer.WithCursor(after),
		tailer.WithBlock(a.block),
		tailer.WithBatch(a.batch))
	defer tl.Close()

	startStream(c)
	for {
		entry, err := tl.Next(ctx)
		if err == io.EOF {
			render(c, sse.Event{Event: "end", Data: gin.H{"task_id": taskID}})
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				log.GetLogger().Errorf("Log stream of task %s ended: %v", taskID, err)
				render(c, sse.Event{Event: "error", Data: gin.H{"task_id": taskID, "error": err.Error()}})
			}
			return
		}
		render(c, sse.Event{Id: entry.ID, Event: "log", Data: entry.Wire()})
	}
}

// EventsHandler streams the task's state changes as server-sent events until
// the task is terminal.
func (a *API) EventsHandler(c *gin.Context) {
	ctx := c.Request.Context()
	taskID := c.Param("id")
	if _, err := a.tasks.StatusOf(ctx, taskID); err != nil {
		a.fail(c, err)
		return
	}

	interval, err := pollInterval(c.Query("interval"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'interval'"})
		return
	}

	startStream(c)
	seq := 0
	err = a.monitor.Every(interval).Watch(ctx, taskID, func(ev models.TaskEvent) error {
		seq++
		render(c, sse.Event{Id: cast.ToString(seq), Event: "state", Data: ev})
		return nil
	})
	if err != nil && ctx.Err() == nil {
		log.GetLogger().Errorf("Event stream of task %s ended: %v", taskID, err)
		render(c, sse.Event{Event: "error", Data: gin.H{"task_id": taskID, "error": err.Error()}})
		return
	}
	if err == nil {
		render(c, sse.Event{Event: "end", Data: gin.H{"task_id": taskID}})
	}
}

// pollInterval accepts a Go duration ("250ms") or a number of seconds.
// Empty means the monitor's default.
func pollInterval(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	var d time.Duration
	if secs, err := cast.ToFloat64E(raw); err == nil {
		d = time.Duration(secs * float64(time.Second))
	} else if d, err = time.ParseDuration(raw); err != nil {
		return 0, err
	}
	if d < minPollInterval {
		return 0, errors.Errorf("interval %s below %s", d, minPollInterval)
	}
	return d, nil
}

func (a *API) PipelinesHandler(c *gin.Context) {
	c.JSON(http.StatusOK, a.tasks.Pipelines())
}

func (a *API) PipelineHandler(c *gin.Context) {
	info, err := a.tasks.Pipeline(c.Param("name"))
	if errors.Is(err, service.ErrUnknownPipeline) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func startStream(c *gin.Context) {
	c.Header("Content-Type", sse.ContentType)
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()
}

func render(c *gin.Context, ev sse.Event) {
	c.Render(-1, ev)
	c.Writer.Flush()
}

// fail maps service errors onto HTTP status codes.
func (a *API) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrUnknownPipeline):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrIllegalTransition):
		status = http.StatusConflict
	case errors.Is(err, service.ErrPoolStopped):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		log.GetLogger().Errorf("Request %s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
