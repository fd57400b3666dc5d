package meshcop_test

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"math/big"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/pion/transport/v3/test"

	"github.com/threadmesh/go-thread/pkg/credentials"
	"github.com/threadmesh/go-thread/pkg/meshcop"
	"github.com/threadmesh/go-thread/pkg/meshcop/handshake"
	"github.com/threadmesh/go-thread/pkg/message"
	"github.com/threadmesh/go-thread/pkg/transport"
)

// endpoint bundles a DTLS handle with channels capturing its callbacks.
type endpoint struct {
	dtls   *meshcop.Dtls
	events chan meshcop.ConnectEvent
	data   chan []byte
}

func newEndpoint(t *testing.T, config meshcop.SecureTransportConfig) *endpoint {
	t.Helper()

	if config.Engine == nil {
		config.Engine = handshake.NewEngine()
	}
	dtls, err := meshcop.NewDtls(config)
	if err != nil {
		t.Fatalf("NewDtls failed: %v", err)
	}

	e := &endpoint{
		dtls:   dtls,
		events: make(chan meshcop.ConnectEvent, 8),
		data:   make(chan []byte, 8),
	}
	err = dtls.Open(
		func(data []byte) { e.data <- append([]byte(nil), data...) },
		func(event meshcop.ConnectEvent) { e.events <- event },
	)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return e
}

func (e *endpoint) waitEvent(t *testing.T, want meshcop.ConnectEvent) {
	t.Helper()
	select {
	case got := <-e.events:
		if got != want {
			t.Fatalf("event = %s, want %s", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
	}
}

func (e *endpoint) waitData(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-e.data:
		return data
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for data")
		return nil
	}
}

// pipePair builds two bound endpoints talking over an in-memory pipe and
// returns them with the server's address as seen from the client.
func pipePair(t *testing.T, serverCfg, clientCfg meshcop.SecureTransportConfig) (server, client *endpoint, serverAddr netip.AddrPort) {
	t.Helper()

	pipe := transport.NewPipe()
	t.Cleanup(func() { pipe.Close() })
	c0, c1 := transport.NewPipePacketConnPair(pipe, transport.DefaultPort)

	serverCfg.Conn = c0
	clientCfg.Conn = c1

	server = newEndpoint(t, serverCfg)
	client = newEndpoint(t, clientCfg)
	t.Cleanup(func() { server.dtls.Close(); client.dtls.Close() })

	if err := server.dtls.Bind(0); err != nil {
		t.Fatalf("server Bind failed: %v", err)
	}
	if err := client.dtls.Bind(0); err != nil {
		t.Fatalf("client Bind failed: %v", err)
	}
	return server, client, c1.PeerAddrPort()
}

func TestOpenBindCloseIdempotence(t *testing.T) {
	pipe := transport.NewPipe()
	defer pipe.Close()
	c0, _ := transport.NewPipePacketConnPair(pipe, 5683)

	dtls, err := meshcop.NewDtls(meshcop.SecureTransportConfig{
		Engine: handshake.NewEngine(),
		Conn:   c0,
	})
	if err != nil {
		t.Fatalf("NewDtls failed: %v", err)
	}

	if err := dtls.Open(nil, nil); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := dtls.Open(nil, nil); !errors.Is(err, meshcop.ErrAlready) {
		t.Errorf("second Open = %v, want ErrAlready", err)
	}

	if err := dtls.Bind(5683); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := dtls.Bind(5683); !errors.Is(err, meshcop.ErrAlready) {
		t.Errorf("second Bind = %v, want ErrAlready", err)
	}

	if err := dtls.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !dtls.Transport().IsClosed() {
		t.Error("transport not closed after Close")
	}
	if err := dtls.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
}

func TestSetPskLength(t *testing.T) {
	dtls, err := meshcop.NewDtls(meshcop.SecureTransportConfig{Engine: handshake.NewEngine()})
	if err != nil {
		t.Fatalf("NewDtls failed: %v", err)
	}

	if err := dtls.Transport().SetPsk(make([]byte, 33)); !errors.Is(err, meshcop.ErrInvalidArgs) {
		t.Errorf("SetPsk(33 bytes) = %v, want ErrInvalidArgs", err)
	}
	if err := dtls.Transport().SetPsk(make([]byte, 32)); err != nil {
		t.Errorf("SetPsk(32 bytes) = %v, want nil", err)
	}
}

func TestRoundTripPsk(t *testing.T) {
	server, client, serverAddr := pipePair(t,
		meshcop.SecureTransportConfig{},
		meshcop.SecureTransportConfig{})

	psk := []byte("J01NME")
	if err := server.dtls.Transport().SetPsk(psk); err != nil {
		t.Fatalf("server SetPsk failed: %v", err)
	}
	if err := client.dtls.Transport().SetPsk(psk); err != nil {
		t.Fatalf("client SetPsk failed: %v", err)
	}

	if err := client.dtls.Connect(serverAddr); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	client.waitEvent(t, meshcop.EventConnected)
	server.waitEvent(t, meshcop.EventConnected)

	pool := message.NewPool(message.PoolConfig{})
	msg, err := pool.NewFromBytes([]byte("MGMT_GET request"))
	if err != nil {
		t.Fatalf("NewFromBytes failed: %v", err)
	}
	if err := client.dtls.Send(msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if got := server.waitData(t); !bytes.Equal(got, []byte("MGMT_GET request")) {
		t.Errorf("received %q, want %q", got, "MGMT_GET request")
	}

	// Echo back.
	reply, _ := pool.NewFromBytes([]byte("MGMT_GET response"))
	if err := server.dtls.Send(reply); err != nil {
		t.Fatalf("server Send failed: %v", err)
	}
	if got := client.waitData(t); !bytes.Equal(got, []byte("MGMT_GET response")) {
		t.Errorf("received %q, want %q", got, "MGMT_GET response")
	}

	client.dtls.Disconnect()
	client.waitEvent(t, meshcop.EventDisconnectedLocalClosed)
	server.waitEvent(t, meshcop.EventDisconnectedPeerClosed)

	if client.dtls.Session().IsConnectionActive() {
		t.Error("client session still active after disconnect")
	}
}

func TestSendValidation(t *testing.T) {
	server, client, serverAddr := pipePair(t,
		meshcop.SecureTransportConfig{},
		meshcop.SecureTransportConfig{})

	psk := []byte("SECRET")
	server.dtls.Transport().SetPsk(psk)
	client.dtls.Transport().SetPsk(psk)

	pool := message.NewPool(message.PoolConfig{})
	msg, _ := pool.NewFromBytes([]byte("early"))

	// Send before Connected fails with InvalidState and keeps ownership.
	if err := client.dtls.Send(msg); !errors.Is(err, meshcop.ErrInvalidState) {
		t.Fatalf("Send while disconnected = %v, want ErrInvalidState", err)
	}

	if err := client.dtls.Connect(serverAddr); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	client.waitEvent(t, meshcop.EventConnected)

	// Oversized payload fails with NoBufs.
	big, _ := pool.NewFromBytes(bytes.Repeat([]byte{0xAA}, meshcop.DefaultApplicationDataMaxLength+1))
	if err := client.dtls.Send(big); !errors.Is(err, meshcop.ErrNoBufs) {
		t.Errorf("oversized Send = %v, want ErrNoBufs", err)
	}
	big.Free()

	// The earlier message is still owned by the caller and sendable now.
	if err := client.dtls.Send(msg); err != nil {
		t.Errorf("Send after connect = %v, want nil", err)
	}
	server.waitEvent(t, meshcop.EventConnected)
	if got := server.waitData(t); !bytes.Equal(got, []byte("early")) {
		t.Errorf("received %q, want %q", got, "early")
	}
}

// fakeClock is a settable clock for admission-guard tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1700000000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// sinkSender discards outbound records, for tests that drive HandleReceive
// directly.
func sinkSender(msg *message.Message, _ netip.AddrPort) error {
	msg.Free()
	return nil
}

func TestGuardTimeGatesAdmission(t *testing.T) {
	clock := newFakeClock()
	e := newEndpoint(t, meshcop.SecureTransportConfig{Clock: clock.Now})
	tr := e.dtls.Transport()
	tr.SetPsk([]byte("SECRET"))
	if err := tr.BindSender(sinkSender); err != nil {
		t.Fatalf("BindSender failed: %v", err)
	}

	peerA := netip.MustParseAddrPort("[fd00::a]:1001")
	peerB := netip.MustParseAddrPort("[fd00::b]:1002")

	tr.HandleReceive([]byte{0x01}, peerA)
	if !e.dtls.Session().IsConnectionActive() {
		t.Fatal("first datagram did not start a handshake")
	}

	e.dtls.Disconnect()
	e.waitEvent(t, meshcop.EventDisconnectedLocalClosed)

	// Within the guard the datagram is dropped.
	clock.Advance(1999 * time.Millisecond)
	tr.HandleReceive([]byte{0x01}, peerB)
	if e.dtls.Session().IsConnectionActive() {
		t.Fatal("datagram within guard time was admitted")
	}

	// Just past the guard it is admitted.
	clock.Advance(2 * time.Millisecond)
	tr.HandleReceive([]byte{0x01}, peerB)
	if !e.dtls.Session().IsConnectionActive() {
		t.Fatal("datagram after guard time was not admitted")
	}
	if got := e.dtls.Session().PeerAddr(); got != peerB {
		t.Errorf("session peer = %v, want %v", got, peerB)
	}
}

func TestPeerMismatchDropped(t *testing.T) {
	e := newEndpoint(t, meshcop.SecureTransportConfig{GuardTime: -1})
	tr := e.dtls.Transport()
	tr.SetPsk([]byte("SECRET"))
	if err := tr.BindSender(sinkSender); err != nil {
		t.Fatalf("BindSender failed: %v", err)
	}

	peerA := netip.MustParseAddrPort("[fd00::a]:1001")
	peerB := netip.MustParseAddrPort("[fd00::b]:1002")

	tr.HandleReceive([]byte{0x01}, peerA)
	tr.HandleReceive([]byte{0x01}, peerB)

	if got := e.dtls.Session().PeerAddr(); got != peerA {
		t.Errorf("session peer = %v, want %v (foreign datagram must be dropped)", got, peerA)
	}
}

func TestAdmissionLimiter(t *testing.T) {
	var autoClosed int
	dtls, err := meshcop.NewDtls(meshcop.SecureTransportConfig{
		Engine:    handshake.NewEngine(),
		GuardTime: -1,
	})
	if err != nil {
		t.Fatalf("NewDtls failed: %v", err)
	}
	tr := dtls.Transport()

	if err := tr.SetMaxConnectionAttempts(2, func() { autoClosed++ }); err != nil {
		t.Fatalf("SetMaxConnectionAttempts failed: %v", err)
	}

	events := make(chan meshcop.ConnectEvent, 8)
	if err := dtls.Open(nil, func(ev meshcop.ConnectEvent) { events <- ev }); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	// Arming the limiter while open is rejected.
	if err := tr.SetMaxConnectionAttempts(5, nil); !errors.Is(err, meshcop.ErrInvalidState) {
		t.Errorf("SetMaxConnectionAttempts while open = %v, want ErrInvalidState", err)
	}

	tr.SetPsk([]byte("SECRET"))
	if err := tr.BindSender(sinkSender); err != nil {
		t.Fatalf("BindSender failed: %v", err)
	}

	for i, peer := range []string{"[fd00::a]:1", "[fd00::b]:2"} {
		tr.HandleReceive([]byte{0x01}, netip.MustParseAddrPort(peer))
		if !dtls.Session().IsConnectionActive() {
			t.Fatalf("attempt %d not admitted", i+1)
		}
		dtls.Disconnect()
	}

	// Third distinct peer: budget exhausted, transport auto-closes.
	tr.HandleReceive([]byte{0x01}, netip.MustParseAddrPort("[fd00::c]:3"))
	if !tr.IsClosed() {
		t.Error("transport not closed after exhausting attempts")
	}
	if autoClosed != 1 {
		t.Errorf("auto-close callback fired %d times, want 1", autoClosed)
	}

	// Further datagrams are dropped silently.
	tr.HandleReceive([]byte{0x01}, netip.MustParseAddrPort("[fd00::d]:4"))
	if autoClosed != 1 {
		t.Errorf("auto-close callback fired again: %d", autoClosed)
	}
}

func TestAdmissionLimiterStopsBoundEndpoint(t *testing.T) {
	// The exhausting datagram arrives on the endpoint's own read loop;
	// the auto-close must wind that loop down rather than wait on it.
	report := test.CheckRoutines(t)
	defer report()

	pipe := transport.NewPipe()
	defer pipe.Close()
	c0, c1 := transport.NewPipePacketConnPair(pipe, transport.DefaultPort)

	autoClosed := make(chan struct{})
	dtls, err := meshcop.NewDtls(meshcop.SecureTransportConfig{
		Engine:    handshake.NewEngine(),
		Conn:      c0,
		GuardTime: -1,
	})
	if err != nil {
		t.Fatalf("NewDtls failed: %v", err)
	}
	tr := dtls.Transport()
	if err := tr.SetMaxConnectionAttempts(1, func() { close(autoClosed) }); err != nil {
		t.Fatalf("SetMaxConnectionAttempts failed: %v", err)
	}
	if err := dtls.Open(nil, func(meshcop.ConnectEvent) {}); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	tr.SetPsk([]byte("SECRET"))
	if err := dtls.Bind(0); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	defer dtls.Close()

	client := newEndpoint(t, meshcop.SecureTransportConfig{Conn: c1})
	client.dtls.Transport().SetPsk([]byte("SECRET"))
	if err := client.dtls.Bind(0); err != nil {
		t.Fatalf("client Bind failed: %v", err)
	}
	defer client.dtls.Close()

	serverAddr := c1.PeerAddrPort()
	if err := client.dtls.Connect(serverAddr); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	client.waitEvent(t, meshcop.EventConnected)

	dtls.Disconnect()
	client.waitEvent(t, meshcop.EventDisconnectedPeerClosed)

	// Budget spent: the next handshake attempt closes the transport.
	if err := client.dtls.Connect(serverAddr); err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}
	select {
	case <-autoClosed:
	case <-time.After(5 * time.Second):
		t.Fatal("auto-close callback not fired")
	}
	if !tr.IsClosed() {
		t.Error("transport not closed after exhausting attempts")
	}
	client.dtls.Disconnect()
}

func TestHandshakeTimeoutDisconnects(t *testing.T) {
	clock := newFakeClock()
	e := newEndpoint(t, meshcop.SecureTransportConfig{Clock: clock.Now})
	tr := e.dtls.Transport()
	tr.SetPsk([]byte("SECRET"))

	var mu sync.Mutex
	sent := 0
	sender := func(msg *message.Message, _ netip.AddrPort) error {
		mu.Lock()
		sent++
		mu.Unlock()
		msg.Free()
		return nil
	}
	if err := tr.BindSender(sender); err != nil {
		t.Fatalf("BindSender failed: %v", err)
	}

	peer := netip.MustParseAddrPort("[fd00::a]:1001")
	if err := e.dtls.Connect(peer); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// The peer never answers. Each expired flight timer retransmits the
	// hello; once the retransmission budget is spent the session reports
	// an error disconnect. The stray byte just drives a process step.
	for i := 0; i < 5 && e.dtls.Session().IsConnectionActive(); i++ {
		clock.Advance(10 * time.Second)
		tr.HandleReceive([]byte{0x00}, peer)
	}

	e.waitEvent(t, meshcop.EventDisconnectedError)
	if e.dtls.Session().IsConnectionActive() {
		t.Error("session still active after the retransmission budget")
	}

	mu.Lock()
	got := sent
	mu.Unlock()
	if got != 5 {
		t.Errorf("sends = %d, want 1 hello and 4 retransmissions", got)
	}
}

// threadPKI builds a CA-signed leaf carrying a Thread attribute extension,
// returned PEM encoded along with the CA.
func threadPKI(t *testing.T, cn string, threadExts map[int][]byte) (certPEM, keyPEM, caPEM []byte) {
	t.Helper()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: cn + "-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("CreateCertificate(ca) failed: %v", err)
	}
	caCert, _ := x509.ParseCertificate(caDER)

	var extras []pkix.Extension
	for descriptor, value := range threadExts {
		oid, err := credentials.ThreadOID(descriptor)
		if err != nil {
			t.Fatalf("ThreadOID failed: %v", err)
		}
		der, _ := asn1.Marshal(value)
		extras = append(extras, pkix.Extension{Id: oid, Value: der})
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	leafTemplate := &x509.Certificate{
		SerialNumber:    big.NewInt(2),
		Subject:         pkix.Name{CommonName: cn},
		NotBefore:       time.Now().Add(-time.Hour),
		NotAfter:        time.Now().Add(24 * time.Hour),
		ExtraExtensions: extras,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, caCert, &leafKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("CreateCertificate(leaf) failed: %v", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(leafKey)
	if err != nil {
		t.Fatalf("MarshalECPrivateKey failed: %v", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leafDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	caPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER})
	return certPEM, keyPEM, caPEM
}

func TestExtensionCertificateQueries(t *testing.T) {
	serverCert, serverKey, serverCA := threadPKI(t, "border-agent", map[int][]byte{3: []byte("domain-a")})
	clientCert, clientKey, clientCA := threadPKI(t, "commissioner", map[int][]byte{9: {0xDE, 0xAD}})

	server, client, serverAddr := pipePair(t,
		meshcop.SecureTransportConfig{},
		meshcop.SecureTransportConfig{})

	serverExt := server.dtls.Extension()
	if err := serverExt.SetCertificate(serverCert, serverKey); err != nil {
		t.Fatalf("server SetCertificate failed: %v", err)
	}
	if err := serverExt.SetCaCertificateChain(clientCA); err != nil {
		t.Fatalf("server SetCaCertificateChain failed: %v", err)
	}
	serverExt.SetSslAuthMode(true)

	clientExt := client.dtls.Extension()
	if err := clientExt.SetCertificate(clientCert, clientKey); err != nil {
		t.Fatalf("client SetCertificate failed: %v", err)
	}
	if err := clientExt.SetCaCertificateChain(serverCA); err != nil {
		t.Fatalf("client SetCaCertificateChain failed: %v", err)
	}
	clientExt.SetSslAuthMode(true)

	// Peer queries before Connected fail with InvalidState.
	buf := make([]byte, 2048)
	if _, err := clientExt.GetPeerCertificateBase64(buf); !errors.Is(err, meshcop.ErrInvalidState) {
		t.Errorf("peer query while disconnected = %v, want ErrInvalidState", err)
	}

	if err := client.dtls.Connect(serverAddr); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	client.waitEvent(t, meshcop.EventConnected)
	server.waitEvent(t, meshcop.EventConnected)

	// Base64 export of the peer certificate.
	n, err := serverExt.GetPeerCertificateBase64(buf)
	if err != nil {
		t.Fatalf("GetPeerCertificateBase64 failed: %v", err)
	}
	der, err := base64.StdEncoding.DecodeString(string(buf[:n]))
	if err != nil {
		t.Fatalf("export is not base64: %v", err)
	}
	parsed, err := x509.ParseCertificate(der)
	if err != nil || parsed.Subject.CommonName != "commissioner" {
		t.Errorf("exported certificate CN = %v, want commissioner", err)
	}

	// Too-small buffer reports the required length with NoBufs.
	needed, err := serverExt.GetPeerCertificateBase64(make([]byte, 10))
	if !errors.Is(err, meshcop.ErrNoBufs) {
		t.Errorf("small-buffer export = %v, want ErrNoBufs", err)
	}
	if needed != n {
		t.Errorf("required length = %d, want %d", needed, n)
	}

	// Subject attribute by OID.
	n, _, err = serverExt.GetPeerSubjectAttributeByOid(credentials.OIDCommonName.String(), buf)
	if err != nil {
		t.Fatalf("GetPeerSubjectAttributeByOid failed: %v", err)
	}
	if string(buf[:n]) != "commissioner" {
		t.Errorf("common name = %q, want commissioner", buf[:n])
	}

	// Thread attribute from the peer certificate.
	n, err = clientExt.GetThreadAttributeFromPeerCertificate(3, buf)
	if err != nil {
		t.Fatalf("GetThreadAttributeFromPeerCertificate failed: %v", err)
	}
	if string(buf[:n]) != "domain-a" {
		t.Errorf("thread attribute 3 = %q, want domain-a", buf[:n])
	}

	// Thread attribute from the own certificate works regardless of state.
	n, err = serverExt.GetThreadAttributeFromOwnCertificate(3, buf)
	if err != nil || string(buf[:n]) != "domain-a" {
		t.Errorf("own thread attribute = %q (%v), want domain-a", buf[:n], err)
	}

	// Unsupported descriptor and missing attribute.
	if _, err := serverExt.GetThreadAttributeFromOwnCertificate(200, buf); !errors.Is(err, meshcop.ErrNotImplemented) {
		t.Errorf("descriptor 200 = %v, want ErrNotImplemented", err)
	}
	if _, err := serverExt.GetThreadAttributeFromOwnCertificate(5, buf); !errors.Is(err, meshcop.ErrNotFound) {
		t.Errorf("absent descriptor = %v, want ErrNotFound", err)
	}
}
