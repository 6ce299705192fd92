// Package app assembles a running flowstream instance from its configuration.
package app

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/ignatij/flowstream/internal/config"
	"github.com/ignatij/flowstream/internal/events"
	internal_http "github.com/ignatij/flowstream/internal/http"
	"github.com/ignatij/flowstream/internal/log"
	"github.com/ignatij/flowstream/internal/redisstream"
	internal_storage "github.com/ignatij/flowstream/internal/storage"
	"github.com/ignatij/flowstream/internal/storage/mongostore"
	"github.com/ignatij/flowstream/pkg/lifecycle"
	"github.com/ignatij/flowstream/pkg/logchannel"
	"github.com/ignatij/flowstream/pkg/logsink"
	"github.com/ignatij/flowstream/pkg/service"
	"github.com/ignatij/flowstream/pkg/storage"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// App owns every long-lived component and closes them in reverse order.
type App struct {
	Config  *config.Config
	Store   storage.Store
	Channel logchannel.Channel
	Pool    *service.WorkerPool
	Tasks   *service.TaskService
	Monitor *service.Monitor

	redis  *redis.Client
	events *events.KafkaPublisher
	cancel context.CancelFunc
}

// New connects the configured store, log channel and event publisher and
// builds the task service on top of them. The worker pool is not started.
func New(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	logger := log.GetLogger()
	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.Close())
		}
	}()

	if a.Store, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}

	if cfg.Redis.Address != "" {
		if a.redis, err = redisstream.Connect(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB); err != nil {
			return nil, err
		}
		a.Channel = redisstream.New(a.redis, redisstream.WithExpiry(cfg.LogStream.Expiry))
		logger.Infof("Log channels on Redis at %s", cfg.Redis.Address)
	} else {
		a.Channel = logchannel.NewMemory(logchannel.WithExpiry(cfg.LogStream.Expiry))
		logger.Infof("Log channels in memory")
	}

	opts := []lifecycle.Option{lifecycle.WithDrainGrace(cfg.LogStream.DrainGrace)}
	if len(cfg.Kafka.Brokers) > 0 {
		if a.events, err = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic); err != nil {
			return nil, err
		}
		opts = append(opts, lifecycle.WithEvents(a.events))
		logger.Infof("Publishing lifecycle events to Kafka topic %s", a.events.Topic())
	}
	hooks := lifecycle.New(a.Store, a.Channel, logger, logsink.NewRegistry(logger), opts...)

	poolCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.Pool = service.NewWorkerPool(poolCtx, hooks, logger)
	a.Tasks = service.NewTaskService(a.Store, a.Pool, a.Channel, logger)
	a.Monitor = service.NewMonitor(a.Store, service.DefaultMonitorInterval)
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Store {
	case config.StorePostgres:
		store, err := internal_storage.InitStore(cfg.Postgres.DSN, cfg.Postgres.MigrationsDir)
		if err != nil {
			return nil, errors.Wrap(err, "open postgres store")
		}
		return store, nil
	case config.StoreMongo:
		store, err := mongostore.Connect(ctx, cfg.MongoDB.URI, cfg.MongoDB.Database)
		if err != nil {
			return nil, errors.Wrap(err, "open mongodb store")
		}
		return store, nil
	default:
		return storage.NewMockStore(), nil
	}
}

// RegisterPipeline registers fn with the configured default retries, timeout
// and retry delay; opts override them.
func (a *App) RegisterPipeline(name string, fn service.PipelineFunc, opts ...service.PipelineOption) error {
	defaults := []service.PipelineOption{
		service.WithRetries(a.Config.Worker.Retries),
		service.WithTimeout(a.Config.Worker.Timeout),
		service.WithRetryDelay(a.Config.Worker.RetryDelay),
	}
	return a.Tasks.RegisterPipeline(name, fn, append(defaults, opts...)...)
}

// Start launches the configured number of workers.
func (a *App) Start() {
	a.Pool.Start(a.Config.Worker.Workers)
}

// API exposes the task service over HTTP.
func (a *App) API() *internal_http.API {
	return internal_http.NewAPI(a.Tasks, a.Monitor, a.Channel,
		internal_http.WithTailBlock(a.Config.LogStream.Block),
		internal_http.WithTailBatch(a.Config.LogStream.Batch))
}

// Close stops the workers and releases every connection.
func (a *App) Close() error {
	var errs error
	if a.cancel != nil {
		a.cancel()
	}
	if a.Pool != nil {
		a.Pool.Stop()
	}
	if a.events != nil {
		errs = multierr.Append(errs, errors.Wrap(a.events.Close(), "close kafka writer"))
	}
	if a.redis != nil {
		errs = multierr.Append(errs, errors.Wrap(a.redis.Close(), "close redis client"))
	}
	if a.Store != nil {
		errs = multierr.Append(errs, errors.Wrap(a.Store.Close(), "close store"))
	}
	return errs
}
