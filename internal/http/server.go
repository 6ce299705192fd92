package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ignatij/flowstream/internal/log"
	"github.com/ignatij/flowstream/pkg/logchannel"
	"github.com/ignatij/flowstream/pkg/service"
	"github.com/ignatij/flowstream/pkg/tailer"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// API serves task submission, status and the log and event streams.
type API struct {
	tasks   *service.TaskService
	monitor *service.Monitor
	channel logchannel.Channel
	block   time.Duration
	batch   int64
}

type Option func(*API)

// WithTailBlock sets how long one log read waits before checking the task state.
func WithTailBlock(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.block = d
		}
	}
}

func WithTailBatch(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.batch = n
		}
	}
}

func NewAPI(tasks *service.TaskService, monitor *service.Monitor, channel logchannel.Channel, opts ...Option) *API {
	a := &API{
		tasks:   tasks,
		monitor: monitor,
		channel: channel,
		block:   tailer.DefaultBlock,
		batch:   tailer.DefaultBatch,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewRouter registers every route of api on a new gin engine.
func NewRouter(api *API) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log.GetLogger()))

	router.GET("/health", HealthHandler)
	tasks := router.Group("/tasks")
	{
		tasks.POST("", api.SubmitHandler)
		tasks.GET("", api.ListHandler)
		tasks.GET("/:id", api.GetHandler)
		tasks.DELETE("/:id", api.DeleteHandler)
		tasks.POST("/:id/launch", api.LaunchHandler)
		tasks.GET("/:id/history", api.HistoryHandler)
		tasks.GET("/:id/logs", api.LogsHandler)
		tasks.GET("/:id/events", api.EventsHandler)
	}
	pipelines := router.Group("/pipelines")
	{
		pipelines.GET("", api.PipelinesHandler)
		pipelines.GET("/:name", api.PipelineHandler)
	}
	return router
}

// StartServer serves api on port until ctx is done, then shuts down gracefully.
func StartServer(ctx context.Context, port int, api *API) error {
	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: NewRouter(api),
	}

	errCh := make(chan error, 1)
	go func() {
		log.GetLogger().Infof("Starting flowstream server on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}

	log.GetLogger().Info("Shutting down flowstream server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown http server")
	}
	return nil
}

func HealthHandler(c *gin.Context) {
	c.String(http.StatusOK, "flowstream server is running")
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("request served")
	}
}
