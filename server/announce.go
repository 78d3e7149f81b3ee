package server

import (
	"fmt"

	"github.com/hashicorp/mdns"
)

// ServiceType is the mDNS service controllers advertise their status
// endpoint under, so nearby tooling can find them without knowing the
// cabinet's DHCP-assigned address.
const ServiceType = "_phased._tcp"

// Announce advertises the controller's status/websocket endpoint over
// mDNS. The returned server must be Shutdown on exit.
func Announce(cfg Config, port int) (*mdns.Server, error) {
	service, err := mdns.NewMDNSService(
		cfg.ControllerID, ServiceType, "", "", port,
		nil, []string{"controller=" + cfg.ControllerID},
	)
	if err != nil {
		return nil, fmt.Errorf("mdns service for %s: %w", cfg.ControllerID, err)
	}
	srv, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("mdns server: %w", err)
	}
	return srv, nil
}
