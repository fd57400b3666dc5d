// Package discovery advertises a Thread border agent over DNS-SD. The
// MeshCoP service `_meshcop._udp` carries the agent's secure UDP port and
// a TXT record set describing the network, so external commissioners can
// find and connect to the agent.
package discovery

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// ServiceMeshcop is the border-agent DNS-SD service type.
const ServiceMeshcop = "_meshcop._udp"

// DefaultDomain is the mDNS domain.
const DefaultDomain = "local."

// MDNSServer is an active mDNS registration.
// The interface exists for dependency injection in tests.
type MDNSServer interface {
	// Shutdown stops the server.
	Shutdown()
}

// MDNSServerFactory creates MDNSServer instances.
type MDNSServerFactory interface {
	// Register creates a new mDNS server for the given service.
	Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error)
}

// zeroconfServerFactory is the production implementation using
// grandcat/zeroconf.
type zeroconfServerFactory struct{}

func (z *zeroconfServerFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

// AdvertiserConfig holds configuration for the Advertiser.
type AdvertiserConfig struct {
	// Port is the secure UDP port to advertise; the caller takes it
	// from the bound transport. Required.
	Port int

	// InstanceName overrides the generated service instance name.
	InstanceName string

	// Interfaces limits the interfaces advertised on. Nil means all.
	Interfaces []net.Interface

	// ServerFactory overrides the mDNS backend, for tests.
	ServerFactory MDNSServerFactory

	// LoggerFactory customizes logging.
	LoggerFactory logging.LoggerFactory
}

// Advertiser publishes the border-agent service to the local network.
type Advertiser struct {
	config  AdvertiserConfig
	factory MDNSServerFactory
	log     logging.LeveledLogger

	mu           sync.RWMutex
	server       MDNSServer
	instanceName string
	closed       bool
}

// NewAdvertiser creates an Advertiser with the given configuration.
func NewAdvertiser(config AdvertiserConfig) (*Advertiser, error) {
	if config.Port <= 0 || config.Port > 65535 {
		return nil, fmt.Errorf("%w: port %d", ErrInvalidTXT, config.Port)
	}

	factory := config.ServerFactory
	if factory == nil {
		factory = &zeroconfServerFactory{}
	}

	a := &Advertiser{
		config:  config,
		factory: factory,
	}
	if config.LoggerFactory != nil {
		a.log = config.LoggerFactory.NewLogger("discovery")
	}
	return a, nil
}

// Start begins advertising the `_meshcop._udp` service with the given
// TXT record set.
func (a *Advertiser) Start(txt BorderAgentTXT) error {
	if err := txt.Validate(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if a.server != nil {
		return ErrAlreadyStarted
	}

	instanceName := a.config.InstanceName
	if instanceName == "" {
		var err error
		instanceName, err = generateInstanceName(txt)
		if err != nil {
			return fmt.Errorf("discovery: instance name: %w", err)
		}
	}

	records := txt.Encode()
	if a.log != nil {
		a.log.Debugf("registering %s instance=%q port=%d", ServiceMeshcop, instanceName, a.config.Port)
		a.log.Tracef("txt records: %v", records)
	}

	server, err := a.factory.Register(
		instanceName,
		ServiceMeshcop,
		DefaultDomain,
		a.config.Port,
		records,
		a.config.Interfaces,
	)
	if err != nil {
		return fmt.Errorf("discovery: mDNS registration failed: %w", err)
	}

	if a.log != nil {
		a.log.Infof("advertising border agent %q on port %d", instanceName, a.config.Port)
	}

	a.server = server
	a.instanceName = instanceName
	return nil
}

// Update replaces the advertised TXT record set by re-registering the
// service, e.g. after a state bitmap change.
func (a *Advertiser) Update(txt BorderAgentTXT) error {
	if err := a.Stop(); err != nil {
		return err
	}
	return a.Start(txt)
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if a.server == nil {
		return ErrNotStarted
	}

	a.server.Shutdown()
	a.server = nil
	a.instanceName = ""
	return nil
}

// Close withdraws any advertisement and shuts the advertiser down.
func (a *Advertiser) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
	a.closed = true
	return nil
}

// IsAdvertising reports whether an advertisement is active.
func (a *Advertiser) IsAdvertising() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.server != nil
}

// InstanceName returns the active service instance name, or "".
func (a *Advertiser) InstanceName() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.instanceName
}

// generateInstanceName builds "<vendor> <model> #XXXX" with a random
// 16-bit suffix, falling back to the agent ID when names are absent.
func generateInstanceName(txt BorderAgentTXT) (string, error) {
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	suffix := binary.BigEndian.Uint16(buf[:])

	if txt.VendorName != "" && txt.ModelName != "" {
		return fmt.Sprintf("%s %s #%04X", txt.VendorName, txt.ModelName, suffix), nil
	}
	return fmt.Sprintf("ba-%s", txt.AgentIDString()), nil
}
