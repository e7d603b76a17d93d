package openstack

import (
	"context"
	"fmt"
	"sort"

	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/diskconfig"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/keypairs"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/limits"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/pauseunpause"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/remoteconsoles"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/startstop"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/flavors"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/sirupsen/logrus"

	"github.com/ao/litestack/internal/cloud"
)

const (
	descriptionKey = "description"
	// consoleMicroversion is the first compute microversion with remote-consoles
	consoleMicroversion = "2.6"
)

// CreateInstance boots an instance with an automatically partitioned disk
func (p *Provider) CreateInstance(ctx context.Context, opts cloud.CreateInstanceOptions) (*cloud.Instance, error) {
	nets := make([]servers.Network, 0, len(opts.NetworkIDs))
	for _, id := range opts.NetworkIDs {
		nets = append(nets, servers.Network{UUID: id})
	}

	base := servers.CreateOpts{
		Name:      opts.Name,
		ImageRef:  opts.ImageID,
		FlavorRef: opts.FlavorID,
		Networks:  nets,
	}
	if opts.Description != "" {
		base.Metadata = map[string]string{descriptionKey: opts.Description}
	}

	createOpts := diskconfig.CreateOptsExt{
		CreateOptsBuilder: keypairs.CreateOptsExt{
			CreateOptsBuilder: base,
			KeyName:           opts.KeyName,
		},
		DiskConfig: diskconfig.Auto,
	}

	var server *servers.Server
	err := p.write(ctx, "create instance", func() error {
		var err error
		server, err = servers.Create(p.compute, createOpts).Extract()
		return err
	})
	if err != nil {
		return nil, err
	}

	p.logger.WithFields(logrus.Fields{
		"instance_id": server.ID,
		"name":        opts.Name,
	}).Info("Instance created")

	instance := toInstance(server)
	// The create response only carries the id; keep what was asked for.
	if instance.Name == "" {
		instance.Name = opts.Name
	}
	if instance.Description == "" {
		instance.Description = opts.Description
	}
	return instance, nil
}

// GetInstance fetches an instance
func (p *Provider) GetInstance(ctx context.Context, id string) (*cloud.Instance, error) {
	server, err := read(ctx, p, "get instance "+id, func() (*servers.Server, error) {
		return servers.Get(p.compute, id).Extract()
	})
	if err != nil {
		return nil, err
	}
	return toInstance(server), nil
}

// UpdateInstance sets the name and description of an instance. Empty
// values are left untouched.
func (p *Provider) UpdateInstance(ctx context.Context, id, name, description string) (*cloud.Instance, error) {
	if name != "" {
		_, err := read(ctx, p, "update instance "+id, func() (*servers.Server, error) {
			return servers.Update(p.compute, id, servers.UpdateOpts{Name: name}).Extract()
		})
		if err != nil {
			return nil, err
		}
	}

	if description != "" {
		_, err := read(ctx, p, "update instance metadata "+id, func() (map[string]string, error) {
			return servers.UpdateMetadata(p.compute, id, servers.MetadataOpts{descriptionKey: description}).Extract()
		})
		if err != nil {
			return nil, err
		}
	}

	return p.GetInstance(ctx, id)
}

// DeleteInstance deletes an instance
func (p *Provider) DeleteInstance(ctx context.Context, id string) error {
	_, err := read(ctx, p, "delete instance "+id, func() (struct{}, error) {
		return struct{}{}, servers.Delete(p.compute, id).ExtractErr()
	})
	if err != nil {
		return err
	}

	p.logger.WithField("instance_id", id).Info("Instance deleted")
	return nil
}

// SetInstanceState applies a lifecycle action. Reboots are hard reboots.
func (p *Provider) SetInstanceState(ctx context.Context, id string, action cloud.StateAction) error {
	var call func() error
	switch action {
	case cloud.ActionPause:
		call = func() error { return pauseunpause.Pause(p.compute, id).ExtractErr() }
	case cloud.ActionUnpause:
		call = func() error { return pauseunpause.Unpause(p.compute, id).ExtractErr() }
	case cloud.ActionStart:
		call = func() error { return startstop.Start(p.compute, id).ExtractErr() }
	case cloud.ActionStop:
		call = func() error { return startstop.Stop(p.compute, id).ExtractErr() }
	case cloud.ActionReboot:
		call = func() error {
			return servers.Reboot(p.compute, id, servers.RebootOpts{Type: servers.HardReboot}).ExtractErr()
		}
	default:
		return fmt.Errorf("unknown state action %q", action)
	}

	if err := p.write(ctx, fmt.Sprintf("%s instance %s", action, id), call); err != nil {
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"instance_id": id,
		"action":      action,
	}).Info("Instance state changed")
	return nil
}

// ConsoleURL returns a noVNC console URL
func (p *Provider) ConsoleURL(ctx context.Context, id string) (string, error) {
	client := *p.compute
	client.Microversion = consoleMicroversion

	console, err := read(ctx, p, "console for instance "+id, func() (*remoteconsoles.RemoteConsole, error) {
		return remoteconsoles.Create(&client, id, remoteconsoles.CreateOpts{
			Protocol: remoteconsoles.ConsoleProtocolVNC,
			Type:     remoteconsoles.ConsoleTypeNoVNC,
		}).Extract()
	})
	if err != nil {
		return "", err
	}
	return console.URL, nil
}

// GetKeyPair fetches a keypair by name
func (p *Provider) GetKeyPair(ctx context.Context, name string) (*cloud.KeyPair, error) {
	kp, err := read(ctx, p, "get keypair "+name, func() (*keypairs.KeyPair, error) {
		return keypairs.Get(p.compute, name, nil).Extract()
	})
	if err != nil {
		return nil, err
	}
	return &cloud.KeyPair{Name: kp.Name, PublicKey: kp.PublicKey}, nil
}

// CreateKeyPair asks the cloud to generate a keypair. The private key is
// only available in the returned value.
func (p *Provider) CreateKeyPair(ctx context.Context, name string) (*cloud.KeyPair, error) {
	var kp *keypairs.KeyPair
	err := p.write(ctx, "create keypair "+name, func() error {
		var err error
		kp, err = keypairs.Create(p.compute, keypairs.CreateOpts{Name: name}).Extract()
		return err
	})
	if err != nil {
		return nil, err
	}

	p.logger.WithField("keypair", name).Info("Keypair created")
	return &cloud.KeyPair{Name: kp.Name, PublicKey: kp.PublicKey, PrivateKey: kp.PrivateKey}, nil
}

// DeleteKeyPair deletes a keypair
func (p *Provider) DeleteKeyPair(ctx context.Context, name string) error {
	_, err := read(ctx, p, "delete keypair "+name, func() (struct{}, error) {
		return struct{}{}, keypairs.Delete(p.compute, name, nil).ExtractErr()
	})
	return err
}

// FindFlavor resolves a flavor by name or id
func (p *Provider) FindFlavor(ctx context.Context, name string) (*cloud.Flavor, error) {
	all, err := p.ListFlavors(ctx)
	if err != nil {
		return nil, err
	}

	var matches []cloud.Flavor
	for _, f := range all {
		if f.Name == name {
			matches = append(matches, f)
		}
	}
	if len(matches) == 0 {
		for _, f := range all {
			if f.ID == name {
				matches = append(matches, f)
			}
		}
	}
	return single(matches, "flavor", name)
}

// ListFlavors lists flavors sorted by name
func (p *Provider) ListFlavors(ctx context.Context) ([]cloud.Flavor, error) {
	list, err := read(ctx, p, "list flavors", func() ([]flavors.Flavor, error) {
		pages, err := flavors.ListDetail(p.compute, flavors.ListOpts{}).AllPages()
		if err != nil {
			return nil, err
		}
		return flavors.ExtractFlavors(pages)
	})
	if err != nil {
		return nil, err
	}

	result := make([]cloud.Flavor, 0, len(list))
	for _, f := range list {
		result = append(result, cloud.Flavor{
			ID:    f.ID,
			Name:  f.Name,
			VCPUs: f.VCPUs,
			RAM:   f.RAM,
			Disk:  f.Disk,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// Limits returns the absolute compute limits of the project
func (p *Provider) Limits(ctx context.Context) (*cloud.Limits, error) {
	l, err := read(ctx, p, "get limits", func() (*limits.Limits, error) {
		return limits.Get(p.compute, limits.GetOpts{}).Extract()
	})
	if err != nil {
		return nil, err
	}

	a := l.Absolute
	return &cloud.Limits{
		MaxInstances:   a.MaxTotalInstances,
		UsedInstances:  a.TotalInstancesUsed,
		MaxCores:       a.MaxTotalCores,
		UsedCores:      a.TotalCoresUsed,
		MaxRAM:         a.MaxTotalRAMSize,
		UsedRAM:        a.TotalRAMUsed,
		MaxKeyPairs:    a.MaxTotalKeypairs,
		MaxFloatingIPs: a.MaxTotalFloatingIps,
	}, nil
}

func toInstance(s *servers.Server) *cloud.Instance {
	instance := &cloud.Instance{
		ID:          s.ID,
		Name:        s.Name,
		Description: s.Metadata[descriptionKey],
		Status:      cloud.InstanceStatus(s.Status),
		KeyName:     s.KeyName,
		Addresses:   parseAddresses(s.Addresses),
		CreatedAt:   s.Created,
	}
	if id, ok := s.Flavor["id"].(string); ok {
		instance.FlavorID = id
	} else if name, ok := s.Flavor["original_name"].(string); ok {
		instance.FlavorID = name
	}
	return instance
}

// parseAddresses decodes the untyped "addresses" document of a server
func parseAddresses(raw map[string]interface{}) map[string][]cloud.Address {
	result := make(map[string][]cloud.Address, len(raw))
	for network, v := range raw {
		entries, ok := v.([]interface{})
		if !ok {
			continue
		}
		for _, e := range entries {
			m, ok := e.(map[string]interface{})
			if !ok {
				continue
			}
			addr := cloud.Address{Type: "fixed"}
			addr.Address, _ = m["addr"].(string)
			if version, ok := m["version"].(float64); ok {
				addr.Version = int(version)
			}
			if t, ok := m["OS-EXT-IPS:type"].(string); ok && t != "" {
				addr.Type = t
			}
			if addr.Address == "" {
				continue
			}
			result[network] = append(result[network], addr)
		}
	}
	return result
}

func single[T any](matches []T, kind, name string) (*T, error) {
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%s %q: %w", kind, name, cloud.ErrResourceNotFound)
	case 1:
		return &matches[0], nil
	default:
		return nil, fmt.Errorf("%s %q matches %d resources: %w", kind, name, len(matches), cloud.ErrDuplicateResource)
	}
}
