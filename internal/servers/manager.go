// Package servers is the server lifecycle core: provisioning with rollback,
// deletion, state changes, and background command jobs that keep the
// per-server tag set in step with what is installed.
package servers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/ao/litestack/internal/catalog"
	"github.com/ao/litestack/internal/cloud"
	"github.com/ao/litestack/internal/jobs"
	"github.com/ao/litestack/internal/mail"
	"github.com/ao/litestack/internal/observability"
	"github.com/ao/litestack/internal/remote"
	"github.com/ao/litestack/internal/storage"
)

var (
	// ErrServerNotFound is returned for unknown servers and servers owned by someone else
	ErrServerNotFound = errors.New("server not found")
	// ErrConfigurationNotFound is returned for unknown configuration templates
	ErrConfigurationNotFound = errors.New("configuration not found")
	// ErrInvalidArgument is returned for malformed requests
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNoPublicAddress is returned when a command targets a server without a floating ip
	ErrNoPublicAddress = errors.New("server has no public address")
)

// listConcurrency bounds parallel cloud lookups when listing servers
const listConcurrency = 8

// Store is the persistence collaborator
type Store interface {
	ServerStore
	InsertOwnedServer(ctx context.Context, server *storage.OwnedServer) error
	ListOwnedServers(ctx context.Context, ownerID string) ([]*storage.OwnedServer, error)
	DeleteOwnedServer(ctx context.Context, instanceID string) error
	GetConfiguration(ctx context.Context, name string) (*storage.ServerConfiguration, error)
	ListConfigurations(ctx context.Context) ([]*storage.ServerConfiguration, error)
}

// Submitter queues background jobs
type Submitter interface {
	Submit(job *jobs.Job) error
}

// KeyDeliverer sends a newly created keypair to its owner
type KeyDeliverer interface {
	Deliver(email string, kp mail.KeyPair, publicAddress, defaultUser string) error
}

// HostKeyForgetter drops the pinned SSH host key of an address. Floating
// addresses are recycled, so a released address must not keep its old pin.
type HostKeyForgetter interface {
	Forget(address string, port int) error
}

// hostKeyPins forgets pins for released floating addresses
type hostKeyPins struct {
	forgetter HostKeyForgetter
	port      int
}

func (h hostKeyPins) forget(log logrus.FieldLogger, address string) {
	if h.forgetter == nil || address == "" {
		return
	}
	if err := h.forgetter.Forget(address, h.port); err != nil {
		log.WithError(err).WithField("floating_ip", address).Warn("Failed to forget host key")
	}
}

// Principal is the authenticated caller
type Principal struct {
	UserID    string
	Email     string
	Superuser bool
}

// Server is an owned server merged with its live cloud instance
type Server struct {
	InstanceID    string
	OwnerID       string
	Image         string
	Tags          []string
	CreatedAt     time.Time
	Name          string
	Description   string
	Status        cloud.InstanceStatus
	FlavorID      string
	Addresses     map[string][]cloud.Address
	PublicAddress string
	DefaultUser   string
	// Missing is set when the cloud no longer knows the instance
	Missing bool
}

// CreateServerRequest asks for a new server built from a configuration template
type CreateServerRequest struct {
	Name          string
	Description   string
	Configuration string
}

// Manager exposes the server operations to the API layer
type Manager struct {
	store       Store
	cloud       cloud.Provider
	catalog     *catalog.Catalog
	provisioner *Provisioner
	runner      *Runner
	jobs        Submitter
	delivery    KeyDeliverer
	hostKeys    hostKeyPins
	metrics     *observability.Metrics
	events      observability.EventPublisher
	tracer      trace.Tracer
	logger      *logrus.Logger
}

// NewManager creates a server manager
func NewManager(store Store, provider cloud.Provider, cat *catalog.Catalog, provisioner *Provisioner, runner *Runner, submitter Submitter, logger *logrus.Logger) *Manager {
	return &Manager{
		store:       store,
		cloud:       provider,
		catalog:     cat,
		provisioner: provisioner,
		runner:      runner,
		jobs:        submitter,
		events:      observability.NewLogPublisher(logger),
		tracer:      noop.NewTracerProvider().Tracer(observability.TracerName),
		logger:      logger,
	}
}

// WithKeyDelivery sets how new keypairs reach their owner
func (m *Manager) WithKeyDelivery(delivery KeyDeliverer) *Manager {
	m.delivery = delivery
	return m
}

// WithHostKeys sets the host key store cleared when floating ips are released
func (m *Manager) WithHostKeys(forgetter HostKeyForgetter, port int) *Manager {
	m.hostKeys = hostKeyPins{forgetter: forgetter, port: port}
	return m
}

// WithMetrics sets the metrics sink
func (m *Manager) WithMetrics(metrics *observability.Metrics) *Manager {
	m.metrics = metrics
	return m
}

// WithEvents sets the operator event publisher
func (m *Manager) WithEvents(events observability.EventPublisher) *Manager {
	m.events = events
	return m
}

// WithTracer sets the tracer
func (m *Manager) WithTracer(tracer trace.Tracer) *Manager {
	m.tracer = tracer
	return m
}

// authorize loads a server the principal may act on
func (m *Manager) authorize(ctx context.Context, p Principal, instanceID string) (*storage.OwnedServer, error) {
	server, err := m.store.GetOwnedServer(ctx, instanceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrServerNotFound
		}
		return nil, err
	}
	if !p.Superuser && server.OwnerID != p.UserID {
		return nil, ErrServerNotFound
	}
	return server, nil
}

// CreateServer provisions a server from a configuration template and
// registers it for the principal
func (m *Manager) CreateServer(ctx context.Context, p Principal, req CreateServerRequest) (*Server, error) {
	if req.Name == "" || req.Configuration == "" {
		return nil, fmt.Errorf("%w: name and configuration are required", ErrInvalidArgument)
	}

	cfg, err := m.store.GetConfiguration(ctx, req.Configuration)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrConfigurationNotFound, req.Configuration)
		}
		return nil, err
	}

	start := time.Now()
	var owned *storage.OwnedServer
	result, err := m.provisioner.Create(ctx, ProvisionRequest{
		OwnerID:       p.UserID,
		Name:          req.Name,
		Description:   req.Description,
		Configuration: *cfg,
	}, func(ctx context.Context, result *Provisioned) error {
		owned = &storage.OwnedServer{
			InstanceID: result.Instance.ID,
			OwnerID:    p.UserID,
			Image:      cfg.Image,
		}
		return m.store.InsertOwnedServer(ctx, owned)
	})
	if m.metrics != nil {
		m.metrics.ObserveProvisioning(err, time.Since(start))
	}
	if err != nil {
		m.provisionFailed(ctx, p, err)
		return nil, err
	}

	server := merge(owned, result.Instance)
	m.publish(ctx, observability.Event{
		Type:       observability.EventServerProvisioned,
		InstanceID: server.InstanceID,
		OwnerID:    p.UserID,
	})

	if result.KeyCreated && m.delivery != nil {
		kp := mail.KeyPair{PrivateKey: result.KeyPair.PrivateKey, PublicKey: result.KeyPair.PublicKey}
		if err := m.delivery.Deliver(p.Email, kp, server.PublicAddress, server.DefaultUser); err != nil {
			m.logger.WithError(err).WithField("owner_id", p.UserID).Error("Failed to deliver keypair")
			m.publish(ctx, observability.Event{
				Type:       observability.EventKeyDeliveryFailed,
				InstanceID: server.InstanceID,
				OwnerID:    p.UserID,
				Error:      err.Error(),
			})
		}
	}

	return server, nil
}

func (m *Manager) provisionFailed(ctx context.Context, p Principal, err error) {
	event := observability.Event{
		Type:    observability.EventProvisionFailed,
		OwnerID: p.UserID,
		Error:   err.Error(),
	}

	var cleanupErr *CleanupError
	if errors.As(err, &cleanupErr) {
		event.Type = observability.EventCleanupFailed
		event.Resources = cleanupErr.Resources
		if m.metrics != nil {
			m.metrics.CleanupFailures.Inc()
		}
	}
	m.publish(ctx, event)
}

// DeleteServer releases the server's floating ips, deletes the instance and
// then the local record. The record stays when the instance could not be
// deleted.
func (m *Manager) DeleteServer(ctx context.Context, p Principal, instanceID string) error {
	ctx, span := m.tracer.Start(ctx, "servers.DeleteServer", trace.WithAttributes(
		attribute.String("instance_id", instanceID),
	))
	defer span.End()

	server, err := m.authorize(ctx, p, instanceID)
	if err != nil {
		return err
	}
	log := m.logger.WithFields(logrus.Fields{
		"instance_id": instanceID,
		"owner_id":    server.OwnerID,
	})

	fips, err := m.cloud.ListFloatingIPs(ctx, instanceID)
	if err != nil && !errors.Is(err, cloud.ErrResourceNotFound) {
		log.WithError(err).Warn("Failed to list floating ips, they may leak")
	}
	for _, fip := range fips {
		if err := m.cloud.DeleteFloatingIP(ctx, fip.ID); err != nil && !errors.Is(err, cloud.ErrResourceNotFound) {
			log.WithError(err).WithField("floating_ip", fip.Address).Warn("Failed to release floating ip")
			continue
		}
		m.hostKeys.forget(log, fip.Address)
	}

	if err := m.cloud.DeleteInstance(ctx, instanceID); err != nil {
		if !errors.Is(err, cloud.ErrResourceNotFound) {
			span.RecordError(err)
			return fmt.Errorf("failed to delete instance %s: %w", instanceID, err)
		}
		log.Info("Instance already gone")
	}

	if err := m.store.DeleteOwnedServer(ctx, instanceID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to delete server record %s: %w", instanceID, err)
	}

	log.Info("Server deleted")
	m.publish(ctx, observability.Event{
		Type:       observability.EventServerDeleted,
		InstanceID: instanceID,
		OwnerID:    server.OwnerID,
	})
	return nil
}

// UpdateServer changes the name and/or description of a server
func (m *Manager) UpdateServer(ctx context.Context, p Principal, instanceID, name, description string) (*Server, error) {
	if name == "" && description == "" {
		return nil, fmt.Errorf("%w: nothing to update", ErrInvalidArgument)
	}

	server, err := m.authorize(ctx, p, instanceID)
	if err != nil {
		return nil, err
	}

	instance, err := m.cloud.UpdateInstance(ctx, instanceID, name, description)
	if err != nil {
		return nil, err
	}
	return merge(server, instance), nil
}

// SetServerState applies pause, unpause, start, stop or reboot
func (m *Manager) SetServerState(ctx context.Context, p Principal, instanceID string, action cloud.StateAction) error {
	if !action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidArgument, action)
	}

	if _, err := m.authorize(ctx, p, instanceID); err != nil {
		return err
	}
	return m.cloud.SetInstanceState(ctx, instanceID, action)
}

// RunCommand queues a catalog command against a server and returns the job
// id. The outcome is only visible in the server tags.
func (m *Manager) RunCommand(ctx context.Context, p Principal, instanceID, command, action string) (string, error) {
	act, err := catalog.ParseAction(action)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if _, err := m.catalog.Commands(command, act); err != nil {
		return "", err
	}

	if _, err := m.authorize(ctx, p, instanceID); err != nil {
		return "", err
	}

	instance, err := m.cloud.GetInstance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	address := instance.FloatingAddress()
	if address == "" {
		return "", fmt.Errorf("%w: %s", ErrNoPublicAddress, instanceID)
	}

	cmdJob := CommandJob{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		Command:    command,
		Action:     act,
		Address:    address,
	}
	job := &jobs.Job{
		ID:   cmdJob.ID,
		Name: "command",
		Key:  instanceID,
		Run: func(ctx context.Context) error {
			return m.runner.Run(ctx, cmdJob)
		},
	}

	if err := m.jobs.Submit(job); err != nil {
		if errors.Is(err, jobs.ErrQueueFull) && m.metrics != nil {
			m.metrics.JobsRejected.Inc()
		}
		return "", err
	}

	m.logger.WithFields(logrus.Fields{
		"job_id":      cmdJob.ID,
		"instance_id": instanceID,
		"command":     command,
		"action":      act,
	}).Info("Command job queued")
	return cmdJob.ID, nil
}

// ListServers returns the principal's servers, or every server for a
// superuser. Records whose instance is gone are returned flagged Missing.
func (m *Manager) ListServers(ctx context.Context, p Principal) ([]*Server, error) {
	ownerID := p.UserID
	if p.Superuser {
		ownerID = ""
	}

	owned, err := m.store.ListOwnedServers(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	result := make([]*Server, len(owned))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listConcurrency)
	for i, server := range owned {
		g.Go(func() error {
			view, err := m.view(gctx, server)
			if err != nil {
				return err
			}
			result[i] = view
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// GetServer returns one server
func (m *Manager) GetServer(ctx context.Context, p Principal, instanceID string) (*Server, error) {
	server, err := m.authorize(ctx, p, instanceID)
	if err != nil {
		return nil, err
	}
	return m.view(ctx, server)
}

func (m *Manager) view(ctx context.Context, server *storage.OwnedServer) (*Server, error) {
	instance, err := m.cloud.GetInstance(ctx, server.InstanceID)
	if err != nil {
		if !errors.Is(err, cloud.ErrResourceNotFound) {
			return nil, err
		}
		m.logger.WithFields(logrus.Fields{
			"instance_id": server.InstanceID,
			"owner_id":    server.OwnerID,
		}).Warn("Owned server has no cloud instance")
		if m.metrics != nil {
			m.metrics.MissingInstances.Inc()
		}
		m.publish(ctx, observability.Event{
			Type:       observability.EventInstanceMissing,
			InstanceID: server.InstanceID,
			OwnerID:    server.OwnerID,
		})

		view := merge(server, nil)
		view.Missing = true
		return view, nil
	}
	return merge(server, instance), nil
}

// ConsoleURL returns a remote console URL for the server
func (m *Manager) ConsoleURL(ctx context.Context, p Principal, instanceID string) (string, error) {
	if _, err := m.authorize(ctx, p, instanceID); err != nil {
		return "", err
	}
	return m.cloud.ConsoleURL(ctx, instanceID)
}

// Limits returns the account quota usage
func (m *Manager) Limits(ctx context.Context) (*cloud.Limits, error) {
	return m.cloud.Limits(ctx)
}

// ListImages lists bootable images
func (m *Manager) ListImages(ctx context.Context) ([]cloud.Image, error) {
	return m.cloud.ListImages(ctx)
}

// ListFlavors lists compute flavors
func (m *Manager) ListFlavors(ctx context.Context) ([]cloud.Flavor, error) {
	return m.cloud.ListFlavors(ctx)
}

// ListNetworks lists networks
func (m *Manager) ListNetworks(ctx context.Context) ([]cloud.Network, error) {
	return m.cloud.ListNetworks(ctx)
}

// ListConfigurations lists the server configuration templates
func (m *Manager) ListConfigurations(ctx context.Context) ([]*storage.ServerConfiguration, error) {
	return m.store.ListConfigurations(ctx)
}

// GetConfiguration returns one configuration template
func (m *Manager) GetConfiguration(ctx context.Context, name string) (*storage.ServerConfiguration, error) {
	cfg, err := m.store.GetConfiguration(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrConfigurationNotFound, name)
	}
	return cfg, err
}

// Commands lists the catalog
func (m *Manager) Commands() []catalog.Metadata {
	return m.catalog.List()
}

func (m *Manager) publish(ctx context.Context, event observability.Event) {
	event.Time = time.Now()
	if err := m.events.Publish(context.WithoutCancel(ctx), event); err != nil {
		m.logger.WithError(err).WithField("event", event.Type).Warn("Failed to publish event")
	}
}

func merge(server *storage.OwnedServer, instance *cloud.Instance) *Server {
	view := &Server{
		InstanceID:  server.InstanceID,
		OwnerID:     server.OwnerID,
		Image:       server.Image,
		Tags:        server.Tags,
		CreatedAt:   server.CreatedAt,
		DefaultUser: remote.DefaultUser(server.Image),
	}
	if instance == nil {
		return view
	}

	view.Name = instance.Name
	view.Description = instance.Description
	view.Status = instance.Status
	view.FlavorID = instance.FlavorID
	view.Addresses = instance.Addresses
	view.PublicAddress = instance.FloatingAddress()
	if !instance.CreatedAt.IsZero() {
		view.CreatedAt = instance.CreatedAt
	}
	return view
}
