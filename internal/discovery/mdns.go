package discovery

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
)

const ServiceType = "_drawcanvas._tcp"

var ErrInvalidPort = errors.New("invalid port")

// Announces the server on the local network
type Advertiser struct {
	server *mdns.Server
	once   sync.Once
}

// Advertise registers instance (the hostname when empty) on port.
func Advertise(port int, instance string) (*Advertiser, error) {
	service, err := NewService(port, instance, nil)
	if err != nil {
		return nil, err
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("start mDNS server: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Builds the service record without starting a responder. With no ips the
// host's addresses are resolved from its hostname.
func NewService(port int, instance string, ips []net.IP) (*mdns.MDNSService, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	if instance == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("get hostname: %w", err)
		}
		instance = host
	}

	service, err := mdns.NewMDNSService(
		instance,
		ServiceType,
		"",
		"",
		port,
		ips,
		[]string{"path=/ws"},
	)
	if err != nil {
		return nil, fmt.Errorf("create mDNS service: %w", err)
	}
	return service, nil
}

func (a *Advertiser) Shutdown() error {
	var err error
	a.once.Do(func() {
		err = a.server.Shutdown()
	})
	return err
}

// Browse reports host:port of every advertised server found within timeout
func Browse(timeout time.Duration, found func(addr string)) error {
	entries := make(chan *mdns.ServiceEntry, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range entries {
			if e.AddrV4 == nil || e.Port == 0 {
				continue
			}
			found(fmt.Sprintf("%s:%d", e.AddrV4.String(), e.Port))
		}
	}()

	params := mdns.DefaultParams(ServiceType)
	params.Entries = entries
	params.Timeout = timeout
	err := mdns.Query(params)
	close(entries)
	<-done
	return err
}
