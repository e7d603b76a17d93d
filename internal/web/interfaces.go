package web

import (
	"context"

	"github.com/ao/litestack/internal/catalog"
	"github.com/ao/litestack/internal/cloud"
	"github.com/ao/litestack/internal/servers"
	"github.com/ao/litestack/internal/storage"
)

// ServerManager defines the interface for server lifecycle management
type ServerManager interface {
	CreateServer(ctx context.Context, p servers.Principal, req servers.CreateServerRequest) (*servers.Server, error)
	DeleteServer(ctx context.Context, p servers.Principal, instanceID string) error
	UpdateServer(ctx context.Context, p servers.Principal, instanceID, name, description string) (*servers.Server, error)
	SetServerState(ctx context.Context, p servers.Principal, instanceID string, action cloud.StateAction) error
	RunCommand(ctx context.Context, p servers.Principal, instanceID, command, action string) (string, error)
	ListServers(ctx context.Context, p servers.Principal) ([]*servers.Server, error)
	GetServer(ctx context.Context, p servers.Principal, instanceID string) (*servers.Server, error)
	ConsoleURL(ctx context.Context, p servers.Principal, instanceID string) (string, error)

	Limits(ctx context.Context) (*cloud.Limits, error)
	ListImages(ctx context.Context) ([]cloud.Image, error)
	ListFlavors(ctx context.Context) ([]cloud.Flavor, error)
	ListNetworks(ctx context.Context) ([]cloud.Network, error)
	ListConfigurations(ctx context.Context) ([]*storage.ServerConfiguration, error)
	GetConfiguration(ctx context.Context, name string) (*storage.ServerConfiguration, error)
	Commands() []catalog.Metadata
}

// Authenticator defines the interface for token authentication and user registration
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*storage.User, error)
	CreateUser(ctx context.Context, email string, superuser bool) (*storage.User, string, error)
}

// HealthChecker reports whether a dependency is usable
type HealthChecker interface {
	Ping(ctx context.Context) error
}
