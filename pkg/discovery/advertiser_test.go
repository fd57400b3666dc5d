package discovery

import (
	"errors"
	"net"
	"strings"
	"testing"
)

type mockServer struct {
	shutdowns int
}

func (m *mockServer) Shutdown() { m.shutdowns++ }

type mockFactory struct {
	servers   []*mockServer
	instances []string
	services  []string
	ports     []int
	txt       [][]string
	err       error
}

func (m *mockFactory) Register(instance, service, domain string, port int, txt []string, _ []net.Interface) (MDNSServer, error) {
	if m.err != nil {
		return nil, m.err
	}
	s := &mockServer{}
	m.servers = append(m.servers, s)
	m.instances = append(m.instances, instance)
	m.services = append(m.services, service)
	m.ports = append(m.ports, port)
	m.txt = append(m.txt, txt)
	return s, nil
}

func newTestAdvertiser(t *testing.T, config AdvertiserConfig) (*Advertiser, *mockFactory) {
	t.Helper()

	factory := &mockFactory{}
	config.ServerFactory = factory
	if config.Port == 0 {
		config.Port = 49191
	}

	a, err := NewAdvertiser(config)
	if err != nil {
		t.Fatalf("NewAdvertiser failed: %v", err)
	}
	return a, factory
}

func TestAdvertiserStartStop(t *testing.T) {
	a, factory := newTestAdvertiser(t, AdvertiserConfig{})

	if a.IsAdvertising() {
		t.Error("advertising before Start")
	}
	if err := a.Stop(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Stop before Start = %v, want ErrNotStarted", err)
	}

	if err := a.Start(baseTXT()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !a.IsAdvertising() {
		t.Error("not advertising after Start")
	}
	if err := a.Start(baseTXT()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}

	if got := factory.services[0]; got != ServiceMeshcop {
		t.Errorf("service = %q, want %q", got, ServiceMeshcop)
	}
	if got := factory.ports[0]; got != 49191 {
		t.Errorf("port = %d, want 49191", got)
	}

	if err := a.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if factory.servers[0].shutdowns != 1 {
		t.Errorf("shutdowns = %d, want 1", factory.servers[0].shutdowns)
	}
	if a.IsAdvertising() {
		t.Error("still advertising after Stop")
	}
}

func TestAdvertiserRejectsInvalidTXT(t *testing.T) {
	a, factory := newTestAdvertiser(t, AdvertiserConfig{})

	bad := baseTXT()
	bad.ThreadVersion = ""
	if err := a.Start(bad); !errors.Is(err, ErrInvalidTXT) {
		t.Errorf("Start with bad txt = %v, want ErrInvalidTXT", err)
	}
	if len(factory.servers) != 0 {
		t.Error("registration attempted with invalid txt")
	}
}

func TestAdvertiserInstanceName(t *testing.T) {
	a, factory := newTestAdvertiser(t, AdvertiserConfig{InstanceName: "Test Agent #0001"})
	if err := a.Start(baseTXT()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := a.InstanceName(); got != "Test Agent #0001" {
		t.Errorf("InstanceName = %q", got)
	}
	if factory.instances[0] != "Test Agent #0001" {
		t.Errorf("registered instance = %q", factory.instances[0])
	}

	// Generated names carry vendor and model.
	b, factoryB := newTestAdvertiser(t, AdvertiserConfig{})
	if err := b.Start(baseTXT()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if name := factoryB.instances[0]; !strings.HasPrefix(name, "ThreadMesh BorderAgent #") {
		t.Errorf("generated instance = %q", name)
	}
}

func TestAdvertiserUpdate(t *testing.T) {
	a, factory := newTestAdvertiser(t, AdvertiserConfig{})
	if err := a.Start(baseTXT()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	updated := baseTXT()
	updated.State.ConnectionMode = ConnectionModeX509
	if err := a.Update(updated); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if len(factory.servers) != 2 {
		t.Fatalf("registrations = %d, want 2", len(factory.servers))
	}
	if factory.servers[0].shutdowns != 1 {
		t.Error("old registration not shut down")
	}
}

func TestAdvertiserClose(t *testing.T) {
	a, factory := newTestAdvertiser(t, AdvertiserConfig{})
	if err := a.Start(baseTXT()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if factory.servers[0].shutdowns != 1 {
		t.Error("registration not shut down on Close")
	}
	if err := a.Start(baseTXT()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close = %v, want ErrClosed", err)
	}
	if err := a.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close = %v, want ErrClosed", err)
	}
}

func TestNewAdvertiserValidatesPort(t *testing.T) {
	if _, err := NewAdvertiser(AdvertiserConfig{Port: 0}); err == nil {
		t.Error("port 0 accepted")
	}
	if _, err := NewAdvertiser(AdvertiserConfig{Port: 70000}); err == nil {
		t.Error("port 70000 accepted")
	}
}
