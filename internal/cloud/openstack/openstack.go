// Package openstack implements cloud.Provider on top of gophercloud.
//
// Reads and idempotent deletes are retried through a resilience policy;
// creates go through the circuit breaker once. Backend errors are mapped
// onto the cloud error taxonomy before they leave the package.
package openstack

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/ao/litestack/internal/cloud"
	"github.com/ao/litestack/internal/resilience"
)

// Config holds the connection settings. Empty AuthURL means the standard
// OS_* environment variables are used.
type Config struct {
	AuthURL     string
	Username    string
	Password    string
	ProjectName string
	DomainName  string
	Region      string
	// PublicNetwork is the external network floating IPs are allocated from
	PublicNetwork string
}

// Provider talks to the OpenStack compute, network and image services
type Provider struct {
	compute *gophercloud.ServiceClient
	network *gophercloud.ServiceClient
	image   *gophercloud.ServiceClient

	publicNetwork   string
	publicNetworkMu sync.Mutex
	publicNetworkID string

	policy *resilience.Policy
	logger *logrus.Logger
}

// New authenticates and creates the service clients
func New(cfg Config, logger *logrus.Logger, zl *zap.Logger) (*Provider, error) {
	opts, err := authOptions(cfg)
	if err != nil {
		return nil, err
	}

	pc, err := openstack.AuthenticatedClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate with OpenStack: %w", err)
	}

	endpoint := gophercloud.EndpointOpts{Region: cfg.Region}
	compute, err := openstack.NewComputeV2(pc, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create compute client: %w", err)
	}
	network, err := openstack.NewNetworkV2(pc, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create network client: %w", err)
	}
	image, err := openstack.NewImageServiceV2(pc, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create image client: %w", err)
	}

	return NewWithClients(compute, network, image, cfg.PublicNetwork, NewPolicy(zl), logger), nil
}

// NewWithClients wires a provider around existing service clients
func NewWithClients(compute, network, image *gophercloud.ServiceClient, publicNetwork string, policy *resilience.Policy, logger *logrus.Logger) *Provider {
	return &Provider{
		compute:       compute,
		network:       network,
		image:         image,
		publicNetwork: publicNetwork,
		policy:        policy,
		logger:        logger,
	}
}

// NewPolicy returns the resilience policy used for OpenStack calls
func NewPolicy(logger *zap.Logger) *resilience.Policy {
	return resilience.NewPolicy("openstack",
		resilience.DefaultCircuitBreakerConfig(),
		resilience.DefaultExponentialBackoffConfig(),
		Retryable,
		logger,
	)
}

// Retryable classifies errors for the resilience policy. Answers from the
// backend about a specific resource are final and say nothing about its health.
func Retryable(err error) bool {
	if errors.Is(err, cloud.ErrResourceNotFound) ||
		errors.Is(err, cloud.ErrConflict) ||
		errors.Is(err, cloud.ErrDuplicateResource) {
		return false
	}
	return resilience.IsRetryable(err)
}

func authOptions(cfg Config) (gophercloud.AuthOptions, error) {
	if cfg.AuthURL == "" {
		opts, err := openstack.AuthOptionsFromEnv()
		if err != nil {
			return gophercloud.AuthOptions{}, fmt.Errorf("failed to read OpenStack credentials from environment: %w", err)
		}
		opts.AllowReauth = true
		return opts, nil
	}

	return gophercloud.AuthOptions{
		IdentityEndpoint: cfg.AuthURL,
		Username:         cfg.Username,
		Password:         cfg.Password,
		TenantName:       cfg.ProjectName,
		DomainName:       cfg.DomainName,
		AllowReauth:      true,
	}, nil
}

// mapError translates a gophercloud error into the cloud taxonomy
func mapError(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var notFound gophercloud.ErrDefault404
	if errors.As(err, &notFound) {
		return fmt.Errorf("%s: %w", op, cloud.ErrResourceNotFound)
	}
	var notFoundPtr *gophercloud.ErrDefault404
	if errors.As(err, &notFoundPtr) {
		return fmt.Errorf("%s: %w", op, cloud.ErrResourceNotFound)
	}
	var conflict gophercloud.ErrDefault409
	if errors.As(err, &conflict) {
		return fmt.Errorf("%s: %w", op, cloud.ErrConflict)
	}
	var conflictPtr *gophercloud.ErrDefault409
	if errors.As(err, &conflictPtr) {
		return fmt.Errorf("%s: %w", op, cloud.ErrConflict)
	}

	return fmt.Errorf("%s: %w: %v", op, cloud.ErrInfrastructure, err)
}

// read retries an idempotent call
func read[T any](ctx context.Context, p *Provider, op string, f func() (T, error)) (T, error) {
	return resilience.Do(ctx, p.policy, func(ctx context.Context) (T, error) {
		if err := ctx.Err(); err != nil {
			var zero T
			return zero, err
		}
		v, err := f()
		return v, mapError(err, op)
	})
}

// write runs a non-idempotent call once
func (p *Provider) write(ctx context.Context, op string, f func() error) error {
	return p.policy.Call(ctx, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return mapError(f(), op)
	})
}
