package servers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ao/litestack/internal/catalog"
	"github.com/ao/litestack/internal/observability"
	"github.com/ao/litestack/internal/remote"
	"github.com/ao/litestack/internal/storage"
)

// KeyStore holds the private key of each owner
type KeyStore interface {
	Save(ownerID string, privateKey []byte) error
	Load(ownerID string) ([]byte, error)
	Delete(ownerID string) error
}

// ServerStore is the part of the persistence layer the runner needs
type ServerStore interface {
	TagStore
	GetOwnedServer(ctx context.Context, instanceID string) (*storage.OwnedServer, error)
}

// CommandJob is one execution of a catalog entry against one server
type CommandJob struct {
	ID         string
	InstanceID string
	Command    string
	Action     catalog.Action
	Address    string
}

// Runner executes command jobs and keeps the server tags in step:
// "loading" while the job runs, "error" after a failure and the entry tag
// after a successful install or delete.
type Runner struct {
	store    ServerStore
	tags     *TagManager
	catalog  *catalog.Catalog
	executor remote.Executor
	keys     KeyStore
	sshPort  int
	timeout  time.Duration
	metrics  *observability.Metrics
	events   observability.EventPublisher
	tracer   trace.Tracer
	logger   *logrus.Logger
}

// NewRunner creates a runner
func NewRunner(store ServerStore, cat *catalog.Catalog, executor remote.Executor, keys KeyStore, logger *logrus.Logger) *Runner {
	return &Runner{
		store:    store,
		tags:     NewTagManager(store),
		catalog:  cat,
		executor: executor,
		keys:     keys,
		sshPort:  remote.DefaultPort,
		events:   observability.NewLogPublisher(logger),
		tracer:   noop.NewTracerProvider().Tracer(observability.TracerName),
		logger:   logger,
	}
}

// WithSSHPort sets the port commands are run on
func (r *Runner) WithSSHPort(port int) *Runner {
	r.sshPort = port
	return r
}

// WithTimeout bounds each job; zero means no limit
func (r *Runner) WithTimeout(timeout time.Duration) *Runner {
	r.timeout = timeout
	return r
}

// WithMetrics sets the metrics sink
func (r *Runner) WithMetrics(metrics *observability.Metrics) *Runner {
	r.metrics = metrics
	return r
}

// WithEvents sets the operator event publisher
func (r *Runner) WithEvents(events observability.EventPublisher) *Runner {
	r.events = events
	return r
}

// WithTracer sets the tracer
func (r *Runner) WithTracer(tracer trace.Tracer) *Runner {
	r.tracer = tracer
	return r
}

// Run executes one job. The returned error is the job outcome; it has
// already been recorded in the server tags when the server exists.
func (r *Runner) Run(ctx context.Context, job CommandJob) (err error) {
	start := time.Now()
	log := r.logger.WithFields(logrus.Fields{
		"job_id":      job.ID,
		"instance_id": job.InstanceID,
		"command":     job.Command,
		"action":      job.Action,
	})

	ctx, span := r.tracer.Start(ctx, "servers.RunCommand", trace.WithAttributes(
		attribute.String("instance_id", job.InstanceID),
		attribute.String("command", job.Command),
		attribute.String("action", string(job.Action)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if r.metrics != nil {
			r.metrics.ObserveCommandJob(job.Command, string(job.Action), err, time.Since(start))
		}
	}()

	entry, ok := r.catalog.Resolve(job.Command)
	if !ok {
		log.Error("Command is not in the catalog")
		return fmt.Errorf("%w: %s", catalog.ErrUnknownCommand, job.Command)
	}
	commands := entry.Commands(job.Action)

	server, err := r.store.GetOwnedServer(ctx, job.InstanceID)
	if err != nil {
		log.WithError(err).Error("Failed to load server for command job")
		return fmt.Errorf("failed to load server %s: %w", job.InstanceID, err)
	}
	log = log.WithField("owner_id", server.OwnerID)

	if err := r.tags.Apply(ctx, server, TagChange{Add: []string{TagLoading}, Remove: []string{TagError}}); err != nil {
		log.WithError(err).Error("Failed to mark server as loading")
		return err
	}

	defer func() {
		// The final tag write must happen even when the job context is gone.
		final := TagChange{Remove: []string{TagLoading}}
		switch {
		case err != nil:
			final.Add = append(final.Add, TagError)
		case job.Action == catalog.ActionInstall:
			final.Add = append(final.Add, entry.Tag())
		case job.Action == catalog.ActionDelete:
			final.Remove = append(final.Remove, entry.Tag())
		}

		if tagErr := r.tags.Apply(context.WithoutCancel(ctx), server, final); tagErr != nil {
			log.WithError(tagErr).Error("Failed to persist final server tags")
			if err == nil {
				err = tagErr
			}
		}
		r.publish(ctx, job, server.OwnerID, err)
	}()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	privateKey, err := r.keys.Load(server.OwnerID)
	if err != nil {
		log.WithError(err).Error("No private key available for server owner")
		return fmt.Errorf("failed to load key of owner %s: %w", server.OwnerID, err)
	}

	target := remote.Target{
		Address:    job.Address,
		Port:       r.sshPort,
		User:       remote.DefaultUser(server.Image),
		PrivateKey: privateKey,
	}

	log.WithFields(logrus.Fields{
		"host":     job.Address,
		"user":     target.User,
		"commands": len(commands),
	}).Info("Running command job")

	results, err := r.executor.Execute(ctx, target, commands)
	if err != nil {
		var execErr *remote.ExecutionError
		if errors.As(err, &execErr) {
			log.WithError(err).Error("Command job aborted by transport failure")
		} else {
			log.WithError(err).Error("Command job failed")
		}
		return err
	}

	failed := 0
	for _, res := range results {
		if res.ExitCode != 0 {
			failed++
		}
	}
	log.WithFields(logrus.Fields{
		"duration":        time.Since(start),
		"nonzero_results": failed,
	}).Info("Command job finished")
	return nil
}

func (r *Runner) publish(ctx context.Context, job CommandJob, ownerID string, err error) {
	event := observability.Event{
		Type:       observability.EventCommandSucceeded,
		Time:       time.Now(),
		InstanceID: job.InstanceID,
		OwnerID:    ownerID,
		JobID:      job.ID,
		Command:    job.Command,
		Action:     string(job.Action),
	}
	if err != nil {
		event.Type = observability.EventCommandFailed
		event.Error = err.Error()
	}

	if pubErr := r.events.Publish(context.WithoutCancel(ctx), event); pubErr != nil {
		r.logger.WithError(pubErr).WithField("event", event.Type).Warn("Failed to publish event")
	}
}
