package client

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

const serviceType = "_phased._tcp"

// DiscoveredController is one controller found on the local network.
type DiscoveredController struct {
	ControllerID string
	Address      string
	Port         int
}

// Discover finds controllers advertising their status endpoint over
// mDNS, waiting up to timeout for answers.
func Discover(timeout time.Duration) ([]DiscoveredController, error) {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	entriesCh := make(chan *mdns.ServiceEntry, 8)
	done := make(chan []DiscoveredController, 1)
	go func() {
		var found []DiscoveredController
		for entry := range entriesCh {
			found = append(found, fromEntry(entry))
		}
		done <- found
	}()

	params := mdns.DefaultParams(serviceType)
	params.Entries = entriesCh
	params.Timeout = timeout
	err := mdns.Query(params)
	close(entriesCh)
	found := <-done
	if err != nil {
		return nil, fmt.Errorf("mdns query: %w", err)
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("no %s service found", serviceType)
	}
	return found, nil
}

func fromEntry(entry *mdns.ServiceEntry) DiscoveredController {
	ctl := DiscoveredController{Port: entry.Port}
	if entry.AddrV4 != nil {
		ctl.Address = entry.AddrV4.String()
	} else if entry.AddrV6 != nil {
		ctl.Address = fmt.Sprintf("[%s]", entry.AddrV6.String())
	}
	for _, field := range entry.InfoFields {
		if id, ok := strings.CutPrefix(field, "controller="); ok {
			ctl.ControllerID = id
		}
	}
	return ctl
}
