package servers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ao/litestack/internal/cloud"
	"github.com/ao/litestack/internal/keys"
	"github.com/ao/litestack/internal/observability"
	"github.com/ao/litestack/internal/storage"
)

const (
	// DefaultPollInterval is how often a new instance is polled for readiness
	DefaultPollInterval = 2 * time.Second
	// DefaultCreateTimeout is how long a new instance may take to become active
	DefaultCreateTimeout = 300 * time.Second
)

// CleanupError is returned when provisioning failed and some of the cloud
// resources created on the way could not be torn down. They need manual
// cleanup.
type CleanupError struct {
	Err       error
	Resources []string
	Failures  []error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("%v (needs manual cleanup: %s)", e.Err, strings.Join(e.Resources, ", "))
}

func (e *CleanupError) Unwrap() error {
	return e.Err
}

// ProvisionRequest describes a server to create
type ProvisionRequest struct {
	OwnerID       string
	Name          string
	Description   string
	Configuration storage.ServerConfiguration
}

// Provisioned is the result of a successful provisioning
type Provisioned struct {
	Instance   *cloud.Instance
	KeyPair    *cloud.KeyPair
	FloatingIP *cloud.FloatingIP
	// KeyCreated is set when the keypair was generated for this server
	KeyCreated bool
}

// CommitFunc registers a provisioned server locally. A failure rolls the
// cloud resources back.
type CommitFunc func(ctx context.Context, result *Provisioned) error

type createdResource struct {
	name     string
	teardown func(ctx context.Context) error
}

// Provisioner creates instances together with their keypair and floating IP
type Provisioner struct {
	cloud        cloud.Provider
	keys         KeyStore
	pollInterval time.Duration
	timeout      time.Duration
	hostKeys     hostKeyPins
	tracer       trace.Tracer
	logger       *logrus.Logger
}

// NewProvisioner creates a provisioner
func NewProvisioner(provider cloud.Provider, keyStore KeyStore, logger *logrus.Logger) *Provisioner {
	return &Provisioner{
		cloud:        provider,
		keys:         keyStore,
		pollInterval: DefaultPollInterval,
		timeout:      DefaultCreateTimeout,
		tracer:       noop.NewTracerProvider().Tracer(observability.TracerName),
		logger:       logger,
	}
}

// WithWait sets the readiness poll interval and ceiling
func (p *Provisioner) WithWait(interval, timeout time.Duration) *Provisioner {
	if interval > 0 {
		p.pollInterval = interval
	}
	if timeout > 0 {
		p.timeout = timeout
	}
	return p
}

// WithHostKeys sets the host key store cleared when a floating ip is rolled back
func (p *Provisioner) WithHostKeys(forgetter HostKeyForgetter, port int) *Provisioner {
	p.hostKeys = hostKeyPins{forgetter: forgetter, port: port}
	return p
}

// WithTracer sets the tracer
func (p *Provisioner) WithTracer(tracer trace.Tracer) *Provisioner {
	p.tracer = tracer
	return p
}

// Create provisions a server and hands it to commit. Any failure, including
// one from commit, tears down what was created in reverse order.
func (p *Provisioner) Create(ctx context.Context, req ProvisionRequest, commit CommitFunc) (result *Provisioned, err error) {
	cfg := req.Configuration
	log := p.logger.WithFields(logrus.Fields{
		"owner_id":      req.OwnerID,
		"name":          req.Name,
		"configuration": cfg.Name,
	})

	ctx, span := p.tracer.Start(ctx, "servers.Provision", trace.WithAttributes(
		attribute.String("owner_id", req.OwnerID),
		attribute.String("configuration", cfg.Name),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	image, err := p.cloud.FindImage(ctx, cfg.Image)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve image %q: %w", cfg.Image, err)
	}
	flavor, err := p.cloud.FindFlavor(ctx, cfg.Flavor)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve flavor %q: %w", cfg.Flavor, err)
	}
	networkIDs := make([]string, 0, len(cfg.Networks))
	for _, name := range cfg.Networks {
		network, err := p.cloud.FindNetwork(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve network %q: %w", name, err)
		}
		networkIDs = append(networkIDs, network.ID)
	}

	var created []createdResource
	defer func() {
		if err == nil {
			return
		}
		log.WithError(err).Warn("Provisioning failed, rolling back")
		if cleanupErr := p.rollback(ctx, created, err); cleanupErr != nil {
			err = cleanupErr
		}
		result = nil
	}()

	result = &Provisioned{}

	result.KeyPair, result.KeyCreated, err = p.ensureKeyPair(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}
	if result.KeyCreated {
		name := result.KeyPair.Name
		created = append(created, createdResource{
			name: "keypair " + name,
			teardown: func(ctx context.Context) error {
				if err := p.cloud.DeleteKeyPair(ctx, name); err != nil && !errors.Is(err, cloud.ErrResourceNotFound) {
					return err
				}
				return p.keys.Delete(req.OwnerID)
			},
		})
	}

	instance, err := p.cloud.CreateInstance(ctx, cloud.CreateInstanceOptions{
		Name:        req.Name,
		Description: req.Description,
		ImageID:     image.ID,
		FlavorID:    flavor.ID,
		NetworkIDs:  networkIDs,
		KeyName:     result.KeyPair.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}
	created = append(created, createdResource{
		name: "instance " + instance.ID,
		teardown: func(ctx context.Context) error {
			if err := p.cloud.DeleteInstance(ctx, instance.ID); err != nil && !errors.Is(err, cloud.ErrResourceNotFound) {
				return err
			}
			return nil
		},
	})
	log = log.WithField("instance_id", instance.ID)

	result.Instance, err = p.waitActive(ctx, instance.ID)
	if err != nil {
		return nil, err
	}

	fip, err := p.attachFloatingIP(ctx, instance.ID, networkIDs)
	if err != nil {
		return nil, err
	}
	created = append(created, createdResource{
		name: "floating ip " + fip.Address,
		teardown: func(ctx context.Context) error {
			if err := p.cloud.DeleteFloatingIP(ctx, fip.ID); err != nil && !errors.Is(err, cloud.ErrResourceNotFound) {
				return err
			}
			p.hostKeys.forget(log, fip.Address)
			return nil
		},
	})
	result.FloatingIP = fip
	addFloatingAddress(result.Instance, fip)

	if err = commit(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to register server: %w", err)
	}

	log.WithField("floating_ip", fip.Address).Info("Server provisioned")
	return result, nil
}

// ensureKeyPair reuses the owner's keypair or creates one and stores its
// private half
func (p *Provisioner) ensureKeyPair(ctx context.Context, ownerID string) (*cloud.KeyPair, bool, error) {
	name := keys.KeyPairName(ownerID)

	kp, err := p.cloud.GetKeyPair(ctx, name)
	if err == nil {
		if _, loadErr := p.keys.Load(ownerID); loadErr != nil {
			p.logger.WithFields(logrus.Fields{
				"owner_id": ownerID,
				"keypair":  name,
			}).Warn("Reusing keypair without a stored private key, commands will fail")
		}
		return kp, false, nil
	}
	if !errors.Is(err, cloud.ErrResourceNotFound) {
		return nil, false, fmt.Errorf("failed to look up keypair %s: %w", name, err)
	}

	kp, err = p.cloud.CreateKeyPair(ctx, name)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create keypair %s: %w", name, err)
	}
	if err := p.keys.Save(ownerID, []byte(kp.PrivateKey)); err != nil {
		if delErr := p.cloud.DeleteKeyPair(context.WithoutCancel(ctx), name); delErr != nil {
			return nil, false, &CleanupError{
				Err:       fmt.Errorf("failed to store private key: %w", err),
				Resources: []string{"keypair " + name},
				Failures:  []error{delErr},
			}
		}
		return nil, false, fmt.Errorf("failed to store private key: %w", err)
	}
	return kp, true, nil
}

// waitActive polls until the instance is ACTIVE, fails, or the ceiling passes
func (p *Provisioner) waitActive(ctx context.Context, id string) (*cloud.Instance, error) {
	deadline := time.Now().Add(p.timeout)
	for {
		instance, err := p.cloud.GetInstance(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to poll instance %s: %w", id, err)
		}

		switch instance.Status {
		case cloud.StatusActive:
			return instance, nil
		case cloud.StatusError:
			return nil, fmt.Errorf("instance %s entered %s state: %w", id, instance.Status, cloud.ErrInfrastructure)
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("instance %s still %s after %s: %w", id, instance.Status, p.timeout, cloud.ErrTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.pollInterval):
		}
	}
}

// attachFloatingIP binds a new floating IP to the instance's primary port:
// the port on the first requested network, else the first port
func (p *Provisioner) attachFloatingIP(ctx context.Context, instanceID string, networkIDs []string) (*cloud.FloatingIP, error) {
	ports, err := p.cloud.ListPorts(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ports of %s: %w", instanceID, err)
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("instance %s has no port to attach a floating ip to: %w", instanceID, cloud.ErrInfrastructure)
	}

	primary := ports[0]
	if len(networkIDs) > 0 {
		for _, port := range ports {
			if port.NetworkID == networkIDs[0] {
				primary = port
				break
			}
		}
	}

	fip, err := p.cloud.CreateFloatingIP(ctx, primary.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate floating ip: %w", err)
	}
	fip.InstanceID = instanceID
	return fip, nil
}

// rollback tears resources down in reverse creation order. It returns a
// CleanupError when anything is left behind.
func (p *Provisioner) rollback(ctx context.Context, created []createdResource, cause error) error {
	ctx = context.WithoutCancel(ctx)

	var leftover []string
	var failures []error
	for i := len(created) - 1; i >= 0; i-- {
		res := created[i]
		if err := res.teardown(ctx); err != nil {
			p.logger.WithError(err).WithField("resource", res.name).Error("Failed to tear down resource")
			leftover = append(leftover, res.name)
			failures = append(failures, err)
			continue
		}
		p.logger.WithField("resource", res.name).Info("Tore down resource")
	}

	if len(leftover) == 0 {
		return nil
	}
	return &CleanupError{Err: cause, Resources: leftover, Failures: failures}
}

func addFloatingAddress(instance *cloud.Instance, fip *cloud.FloatingIP) {
	if instance.FloatingAddress() != "" {
		return
	}
	if instance.Addresses == nil {
		instance.Addresses = make(map[string][]cloud.Address)
	}
	instance.Addresses["public"] = append(instance.Addresses["public"], cloud.Address{
		Address: fip.Address,
		Version: 4,
		Type:    "floating",
	})
}
