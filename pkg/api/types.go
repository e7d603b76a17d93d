package api

import "time"

// Server is an owned server merged with its cloud instance
type Server struct {
	InstanceID    string               `json:"instance_id"`
	OwnerID       string               `json:"owner_id"`
	Name          string               `json:"name"`
	Description   string               `json:"description,omitempty"`
	Image         string               `json:"image"`
	Flavor        string               `json:"flavor,omitempty"`
	Status        string               `json:"status,omitempty"`
	Tags          []string             `json:"tags"`
	Addresses     map[string][]Address `json:"addresses,omitempty"`
	PublicAddress string               `json:"public_address,omitempty"`
	DefaultUser   string               `json:"default_user"`
	// Missing is set when the cloud instance no longer exists
	Missing   bool      `json:"missing,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Address is one IP address of a server
type Address struct {
	Address string `json:"address"`
	Version int    `json:"version"`
	Type    string `json:"type"`
}

// CreateServerRequest asks for a server built from a configuration
type CreateServerRequest struct {
	Name          string `json:"name" binding:"required"`
	Description   string `json:"description"`
	Configuration string `json:"configuration" binding:"required"`
}

// UpdateServerRequest changes the name and/or description of a server
type UpdateServerRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// StateRequest applies a lifecycle action
type StateRequest struct {
	// Action is one of pause, unpause, start, stop, reboot
	Action string `json:"action" binding:"required"`
}

// CommandRequest runs a catalog command on a server
type CommandRequest struct {
	Command string `json:"command" binding:"required"`
	// Action is install or delete
	Action string `json:"action" binding:"required"`
}

// CommandResponse identifies a queued command job
type CommandResponse struct {
	JobID string `json:"job_id"`
}

// ConsoleResponse carries a remote console URL
type ConsoleResponse struct {
	URL string `json:"url"`
}

// Configuration is a server configuration template
type Configuration struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Image       string   `json:"image"`
	Flavor      string   `json:"flavor"`
	Networks    []string `json:"networks"`
}

// CatalogEntry is a software package that can be installed
type CatalogEntry struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Tag         string `json:"tag,omitempty"`
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

// Network is a cloud network
type Network struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	External bool   `json:"external"`
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

// User is an API user
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Superuser bool      `json:"superuser"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateUserRequest registers a user
type CreateUserRequest struct {
	Email     string `json:"email" binding:"required"`
	Superuser bool   `json:"superuser"`
}

// CreateUserResponse returns the new user's token. It is shown only once.
type CreateUserResponse struct {
	User  User   `json:"user"`
	Token string `json:"token"`
}

// Health reports service health
type Health struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Error represents an API error
type Error struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	// NeedsManualCleanup is set when cloud resources were left behind
	NeedsManualCleanup bool     `json:"needs_manual_cleanup,omitempty"`
	Resources          []string `json:"resources,omitempty"`
}
