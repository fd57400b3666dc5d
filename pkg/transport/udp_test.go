package transport

import (
	"bytes"
	"net/netip"
	"testing"
	"time"
)

func TestUDPRequiresHandler(t *testing.T) {
	if _, err := NewUDP(UDPConfig{}); err != ErrNoHandler {
		t.Fatalf("NewUDP without handler = %v, want ErrNoHandler", err)
	}
}

func TestUDPStartStop(t *testing.T) {
	u, err := NewUDP(UDPConfig{Handler: func([]byte, netip.AddrPort) {}})
	if err != nil {
		t.Fatalf("NewUDP failed: %v", err)
	}

	if err := u.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := u.Start(); err != ErrAlreadyStarted {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
	if err := u.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := u.Stop(); err != ErrClosed {
		t.Errorf("second Stop = %v, want ErrClosed", err)
	}
	if err := u.Send([]byte("x"), netip.MustParseAddrPort("[::1]:1")); err != ErrClosed {
		t.Errorf("Send after Stop = %v, want ErrClosed", err)
	}
}

func TestUDPSendValidation(t *testing.T) {
	u, err := NewUDP(UDPConfig{Handler: func([]byte, netip.AddrPort) {}})
	if err != nil {
		t.Fatalf("NewUDP failed: %v", err)
	}
	defer u.Stop()

	if err := u.Send([]byte("x"), netip.AddrPort{}); err != ErrInvalidAddress {
		t.Errorf("Send to zero address = %v, want ErrInvalidAddress", err)
	}

	big := make([]byte, MaxDatagramSize+1)
	if err := u.Send(big, netip.MustParseAddrPort("[::1]:1")); err != ErrDatagramTooLarge {
		t.Errorf("oversized Send = %v, want ErrDatagramTooLarge", err)
	}
}

func TestUDPShutdownFromHandler(t *testing.T) {
	pipe := NewPipe()
	defer pipe.Close()
	c0, c1 := NewPipePacketConnPair(pipe, DefaultPort)

	// The handler runs on the read-loop goroutine; closing the endpoint
	// from there must not wait for that same goroutine.
	handlerDone := make(chan struct{})
	var u *UDP
	u, err := NewUDP(UDPConfig{Conn: c0, Handler: func([]byte, netip.AddrPort) {
		u.Shutdown()
		close(handlerDone)
	}})
	if err != nil {
		t.Fatalf("NewUDP failed: %v", err)
	}
	if err := u.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	u1, err := NewUDP(UDPConfig{Conn: c1, Handler: func([]byte, netip.AddrPort) {}})
	if err != nil {
		t.Fatalf("NewUDP(c1) failed: %v", err)
	}
	if err := u1.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer u1.Stop()

	if err := u1.Send([]byte("x"), c1.PeerAddrPort()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case <-handlerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("handler blocked shutting the endpoint down")
	}

	if err := u.Shutdown(); err != ErrClosed {
		t.Errorf("second Shutdown = %v, want ErrClosed", err)
	}
	if err := u.Send([]byte("x"), c1.PeerAddrPort()); err != ErrClosed {
		t.Errorf("Send after Shutdown = %v, want ErrClosed", err)
	}
}

func TestPipeRoundTrip(t *testing.T) {
	pipe := NewPipe()
	defer pipe.Close()

	c0, c1 := NewPipePacketConnPair(pipe, DefaultPort)

	received := make(chan []byte, 1)
	u0, err := NewUDP(UDPConfig{Conn: c0, Handler: func(data []byte, from netip.AddrPort) {
		if from != c1.PeerAddrPort() {
			// from should be c0's peer, i.e. c1's local address
		}
		received <- data
	}})
	if err != nil {
		t.Fatalf("NewUDP(c0) failed: %v", err)
	}
	if err := u0.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer u0.Stop()

	u1, err := NewUDP(UDPConfig{Conn: c1, Handler: func([]byte, netip.AddrPort) {}})
	if err != nil {
		t.Fatalf("NewUDP(c1) failed: %v", err)
	}
	if err := u1.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer u1.Stop()

	payload := []byte("over the bridge")
	if err := u1.Send(payload, c1.PeerAddrPort()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case got := <-received:
		if !bytes.Equal(got, payload) {
			t.Errorf("received %q, want %q", got, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}
}

func TestPipeDrop(t *testing.T) {
	pipe := NewPipe()
	defer pipe.Close()
	pipe.SetDropRate(1.0)

	c0, c1 := NewPipePacketConnPair(pipe, DefaultPort)

	received := make(chan []byte, 1)
	u0, err := NewUDP(UDPConfig{Conn: c0, Handler: func(data []byte, _ netip.AddrPort) {
		received <- data
	}})
	if err != nil {
		t.Fatalf("NewUDP failed: %v", err)
	}
	u0.Start()
	defer u0.Stop()

	u1, _ := NewUDP(UDPConfig{Conn: c1, Handler: func([]byte, netip.AddrPort) {}})
	u1.Start()
	defer u1.Stop()

	u1.Send([]byte("lost"), c1.PeerAddrPort())

	select {
	case <-received:
		t.Fatal("datagram delivered despite 100% drop rate")
	case <-time.After(100 * time.Millisecond):
	}
}
