package openstack

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/gophercloud/gophercloud/openstack/imageservice/v2/images"
	"github.com/gophercloud/gophercloud/openstack/networking/v2/extensions/external"
	"github.com/gophercloud/gophercloud/openstack/networking/v2/extensions/layer3/floatingips"
	"github.com/gophercloud/gophercloud/openstack/networking/v2/networks"
	"github.com/gophercloud/gophercloud/openstack/networking/v2/ports"
	"github.com/sirupsen/logrus"

	"github.com/ao/litestack/internal/cloud"
)

type networkWithExternal struct {
	networks.Network
	external.NetworkExternalExt
}

// FindImage resolves an image by name, falling back to id
func (p *Provider) FindImage(ctx context.Context, name string) (*cloud.Image, error) {
	list, err := p.listImages(ctx, images.ListOpts{Name: name})
	if err != nil {
		return nil, err
	}
	if len(list) > 0 {
		return single(list, "image", name)
	}

	img, err := read(ctx, p, "get image "+name, func() (*images.Image, error) {
		return images.Get(p.image, name).Extract()
	})
	if err != nil {
		if errors.Is(err, cloud.ErrResourceNotFound) {
			return nil, fmt.Errorf("image %q: %w", name, cloud.ErrResourceNotFound)
		}
		return nil, err
	}
	return &cloud.Image{ID: img.ID, Name: img.Name, Status: string(img.Status)}, nil
}

// ListImages lists images sorted by name
func (p *Provider) ListImages(ctx context.Context) ([]cloud.Image, error) {
	return p.listImages(ctx, images.ListOpts{})
}

func (p *Provider) listImages(ctx context.Context, opts images.ListOpts) ([]cloud.Image, error) {
	list, err := read(ctx, p, "list images", func() ([]images.Image, error) {
		pages, err := images.List(p.image, opts).AllPages()
		if err != nil {
			return nil, err
		}
		return images.ExtractImages(pages)
	})
	if err != nil {
		return nil, err
	}

	result := make([]cloud.Image, 0, len(list))
	for _, img := range list {
		result = append(result, cloud.Image{ID: img.ID, Name: img.Name, Status: string(img.Status)})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// FindNetwork resolves a network by name, falling back to id
func (p *Provider) FindNetwork(ctx context.Context, name string) (*cloud.Network, error) {
	list, err := p.listNetworks(ctx, networks.ListOpts{Name: name})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		list, err = p.listNetworks(ctx, networks.ListOpts{ID: name})
		if err != nil {
			return nil, err
		}
	}
	return single(list, "network", name)
}

// ListNetworks lists networks sorted by name
func (p *Provider) ListNetworks(ctx context.Context) ([]cloud.Network, error) {
	return p.listNetworks(ctx, networks.ListOpts{})
}

func (p *Provider) listNetworks(ctx context.Context, opts networks.ListOpts) ([]cloud.Network, error) {
	list, err := read(ctx, p, "list networks", func() ([]networkWithExternal, error) {
		pages, err := networks.List(p.network, opts).AllPages()
		if err != nil {
			return nil, err
		}
		var all []networkWithExternal
		err = networks.ExtractNetworksInto(pages, &all)
		return all, err
	})
	if err != nil {
		return nil, err
	}

	result := make([]cloud.Network, 0, len(list))
	for _, n := range list {
		result = append(result, cloud.Network{ID: n.ID, Name: n.Name, External: n.External})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// ListPorts lists the ports attached to an instance
func (p *Provider) ListPorts(ctx context.Context, instanceID string) ([]cloud.Port, error) {
	list, err := read(ctx, p, "list ports of "+instanceID, func() ([]ports.Port, error) {
		pages, err := ports.List(p.network, ports.ListOpts{DeviceID: instanceID}).AllPages()
		if err != nil {
			return nil, err
		}
		return ports.ExtractPorts(pages)
	})
	if err != nil {
		return nil, err
	}

	result := make([]cloud.Port, 0, len(list))
	for _, port := range list {
		result = append(result, cloud.Port{ID: port.ID, NetworkID: port.NetworkID, DeviceID: port.DeviceID})
	}
	return result, nil
}

// CreateFloatingIP allocates a floating IP on the public network and
// associates it with a port
func (p *Provider) CreateFloatingIP(ctx context.Context, portID string) (*cloud.FloatingIP, error) {
	networkID, err := p.publicNetworkIdentifier(ctx)
	if err != nil {
		return nil, err
	}

	var fip *floatingips.FloatingIP
	err = p.write(ctx, "create floating ip for port "+portID, func() error {
		var err error
		fip, err = floatingips.Create(p.network, floatingips.CreateOpts{
			FloatingNetworkID: networkID,
			PortID:            portID,
		}).Extract()
		return err
	})
	if err != nil {
		return nil, err
	}

	p.logger.WithFields(logrus.Fields{
		"floating_ip": fip.FloatingIP,
		"port_id":     portID,
	}).Info("Floating IP allocated")

	return &cloud.FloatingIP{ID: fip.ID, Address: fip.FloatingIP, PortID: fip.PortID}, nil
}

// ListFloatingIPs lists the floating IPs bound to any port of an instance
func (p *Provider) ListFloatingIPs(ctx context.Context, instanceID string) ([]cloud.FloatingIP, error) {
	instancePorts, err := p.ListPorts(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	var result []cloud.FloatingIP
	for _, port := range instancePorts {
		list, err := read(ctx, p, "list floating ips of port "+port.ID, func() ([]floatingips.FloatingIP, error) {
			pages, err := floatingips.List(p.network, floatingips.ListOpts{PortID: port.ID}).AllPages()
			if err != nil {
				return nil, err
			}
			return floatingips.ExtractFloatingIPs(pages)
		})
		if err != nil {
			return nil, err
		}
		for _, fip := range list {
			result = append(result, cloud.FloatingIP{
				ID:         fip.ID,
				Address:    fip.FloatingIP,
				PortID:     fip.PortID,
				InstanceID: instanceID,
			})
		}
	}
	return result, nil
}

// DeleteFloatingIP releases a floating IP
func (p *Provider) DeleteFloatingIP(ctx context.Context, id string) error {
	_, err := read(ctx, p, "delete floating ip "+id, func() (struct{}, error) {
		return struct{}{}, floatingips.Delete(p.network, id).ExtractErr()
	})
	if err != nil {
		return err
	}

	p.logger.WithField("floating_ip_id", id).Info("Floating IP released")
	return nil
}

// publicNetworkIdentifier resolves and caches the public network id
func (p *Provider) publicNetworkIdentifier(ctx context.Context) (string, error) {
	p.publicNetworkMu.Lock()
	defer p.publicNetworkMu.Unlock()

	if p.publicNetworkID != "" {
		return p.publicNetworkID, nil
	}
	if p.publicNetwork == "" {
		return "", fmt.Errorf("no public network configured: %w", cloud.ErrResourceNotFound)
	}

	network, err := p.FindNetwork(ctx, p.publicNetwork)
	if err != nil {
		return "", err
	}
	p.publicNetworkID = network.ID
	return p.publicNetworkID, nil
}
