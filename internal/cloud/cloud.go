// Package cloud defines the infrastructure API the control plane consumes
// and the error taxonomy shared by its adapters.
package cloud

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrResourceNotFound is returned when a referenced cloud resource is absent
	ErrResourceNotFound = errors.New("resource not found")
	// ErrConflict is returned when the cloud rejects a state transition
	ErrConflict = errors.New("resource state conflict")
	// ErrDuplicateResource is returned when a lookup by name is ambiguous
	ErrDuplicateResource = errors.New("duplicate resource")
	// ErrTimeout is returned when an instance does not become ready in time
	ErrTimeout = errors.New("timed out waiting for resource")
	// ErrInfrastructure wraps any other failure of the cloud backend
	ErrInfrastructure = errors.New("infrastructure error")
)

// InstanceStatus is the lifecycle status reported by the compute service
type InstanceStatus string

const (
	// StatusBuild indicates the instance is being created
	StatusBuild InstanceStatus = "BUILD"
	// StatusActive indicates the instance is running
	StatusActive InstanceStatus = "ACTIVE"
	// StatusError indicates the instance failed
	StatusError InstanceStatus = "ERROR"
	// StatusPaused indicates the instance is paused
	StatusPaused InstanceStatus = "PAUSED"
	// StatusShutoff indicates the instance is stopped
	StatusShutoff InstanceStatus = "SHUTOFF"
)

// StateAction is a lifecycle transition applied to an instance
type StateAction string

const (
	ActionPause   StateAction = "pause"
	ActionUnpause StateAction = "unpause"
	ActionStart   StateAction = "start"
	ActionStop    StateAction = "stop"
	ActionReboot  StateAction = "reboot"
)

// Valid reports whether the action is a known transition
func (a StateAction) Valid() bool {
	switch a {
	case ActionPause, ActionUnpause, ActionStart, ActionStop, ActionReboot:
		return true
	}
	return false
}

// Image is a bootable image
type Image struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Flavor is a compute size class
type Flavor struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	VCPUs int    `json:"vcpus"`
	RAM   int    `json:"ram"`
	Disk  int    `json:"disk"`
}

// Network is a tenant or external network
type Network struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	External bool   `json:"external"`
}

// Address is one IP address attached to an instance
type Address struct {
	Address string `json:"address"`
	Version int    `json:"version"`
	// Type is "fixed" or "floating"
	Type string `json:"type"`
}

// Instance is a compute instance as seen by the cloud
type Instance struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Status      InstanceStatus       `json:"status"`
	FlavorID    string               `json:"flavor_id"`
	KeyName     string               `json:"key_name"`
	Addresses   map[string][]Address `json:"addresses"`
	CreatedAt   time.Time            `json:"created_at"`
}

// FloatingAddress returns the first floating IPv4 address, if any
func (i *Instance) FloatingAddress() string {
	for _, addrs := range i.Addresses {
		for _, a := range addrs {
			if a.Type == "floating" && a.Version == 4 {
				return a.Address
			}
		}
	}
	return ""
}

// KeyPair is an SSH keypair. PrivateKey is only set when the cloud generated it.
type KeyPair struct {
	Name       string `json:"name"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"-"`
}

// Port is a network port attached to an instance
type Port struct {
	ID        string `json:"id"`
	NetworkID string `json:"network_id"`
	DeviceID  string `json:"device_id"`
}

// FloatingIP is a public address allocated from an external network
type FloatingIP struct {
	ID         string `json:"id"`
	Address    string `json:"address"`
	PortID     string `json:"port_id"`
	InstanceID string `json:"instance_id"`
}

// Limits is the account quota usage
type Limits struct {
	MaxInstances   int `json:"max_instances"`
	UsedInstances  int `json:"used_instances"`
	MaxCores       int `json:"max_cores"`
	UsedCores      int `json:"used_cores"`
	MaxRAM         int `json:"max_ram"`
	UsedRAM        int `json:"used_ram"`
	MaxKeyPairs    int `json:"max_keypairs"`
	MaxFloatingIPs int `json:"max_floating_ips"`
}

// CreateInstanceOptions describes a new instance
type CreateInstanceOptions struct {
	Name        string
	Description string
	ImageID     string
	FlavorID    string
	NetworkIDs  []string
	KeyName     string
}

// Provider is the infrastructure API. Implementations map backend errors
// onto the package error taxonomy.
type Provider interface {
	FindImage(ctx context.Context, name string) (*Image, error)
	FindFlavor(ctx context.Context, name string) (*Flavor, error)
	FindNetwork(ctx context.Context, name string) (*Network, error)
	ListImages(ctx context.Context) ([]Image, error)
	ListFlavors(ctx context.Context) ([]Flavor, error)
	ListNetworks(ctx context.Context) ([]Network, error)

	GetKeyPair(ctx context.Context, name string) (*KeyPair, error)
	CreateKeyPair(ctx context.Context, name string) (*KeyPair, error)
	DeleteKeyPair(ctx context.Context, name string) error

	CreateInstance(ctx context.Context, opts CreateInstanceOptions) (*Instance, error)
	GetInstance(ctx context.Context, id string) (*Instance, error)
	UpdateInstance(ctx context.Context, id, name, description string) (*Instance, error)
	DeleteInstance(ctx context.Context, id string) error
	SetInstanceState(ctx context.Context, id string, action StateAction) error
	ConsoleURL(ctx context.Context, id string) (string, error)

	ListPorts(ctx context.Context, instanceID string) ([]Port, error)
	CreateFloatingIP(ctx context.Context, portID string) (*FloatingIP, error)
	ListFloatingIPs(ctx context.Context, instanceID string) ([]FloatingIP, error)
	DeleteFloatingIP(ctx context.Context, id string) error

	Limits(ctx context.Context) (*Limits, error)
}
