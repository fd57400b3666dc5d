// Package handshake implements the datagram handshake engine the secure
// transport drives: a cookie-verified hello exchange, an HKDF-SHA256 key
// schedule seeded from a PSK or an ECDHE key share, AEAD record protection
// (AES-128-CCM-8 or AES-128-GCM), flight retransmission through the
// session's two-milestone timer, and close-notify teardown. It is not a
// general TLS stack; it offers exactly the cipher families the mesh
// commissioning sessions use.
package handshake

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"time"

	"github.com/threadmesh/go-thread/pkg/crypto"
	"github.com/threadmesh/go-thread/pkg/meshcop"
)

// Flight retransmission parameters.
const (
	initialTimeout = 1 * time.Second
	maxTimeout     = 8 * time.Second
	maxRetransmits = 4
)

const (
	cookieSize     = 16
	verifyDataSize = 12
	keySize        = 16

	defaultMaxContent = 768
)

// Key schedule labels.
var (
	labelKeyExpansion   = []byte("key expansion")
	labelClientFinished = []byte("client finished")
	labelServerFinished = []byte("server finished")
)

type engineState int

const (
	stateIdle engineState = iota
	stateStart
	stateAwaitCookie
	stateAwaitServerHello
	stateAwaitClientHello
	stateAwaitClientFinished
	stateAwaitServerFinished
	stateComplete
)

// Engine is the concrete handshake engine. One instance belongs to a
// transport; Setup and Reset recycle it between connections. It implements
// meshcop.Engine.
type Engine struct {
	bio    meshcop.Bio
	config meshcop.EngineConfig
	state  engineState
	gcm    bool

	maxContent int

	clientRandom [randomSize]byte
	serverRandom [randomSize]byte
	cookie       []byte

	ecdhePriv *ecdh.PrivateKey
	peerCert  *x509.Certificate

	// Transcript inputs for the finished MACs.
	chBody       []byte
	shBody       []byte
	clientVerify []byte

	master   []byte
	keyBlock []byte
	tx       *cipherState
	rx       *cipherState

	txSeq  uint64
	rxSeen [2]int64

	rxBuf      []byte
	scratch    []byte
	peerClosed bool

	// txPending holds sealed application-data records from a Write whose
	// leading records went out before the sender yielded. They are
	// flushed on later engine calls so a retry never duplicates the
	// records already delivered.
	txPending [][]byte

	lastFlight  [][]byte
	retransmits int
	timeout     time.Duration
}

// NewEngine creates an idle engine. Setup installs key material per
// connection.
func NewEngine() *Engine {
	return &Engine{state: stateIdle}
}

// Setup implements meshcop.Engine.
func (e *Engine) Setup(bio meshcop.Bio, config meshcop.EngineConfig) error {
	switch config.CipherSuite {
	case meshcop.CipherSuitePskWithAes128Ccm8:
		if len(config.Psk) == 0 {
			return ErrMissingKeyMaterial
		}
	case meshcop.CipherSuiteEcdheEcdsaWithAes128Ccm8,
		meshcop.CipherSuiteEcdheEcdsaWithAes128GcmSha256:
		if config.Certificate == nil || config.PrivateKey == nil {
			return ErrMissingKeyMaterial
		}
	default:
		return ErrUnsupportedSuite
	}

	e.Reset()
	e.bio = bio
	e.config = config
	e.gcm = config.CipherSuite == meshcop.CipherSuiteEcdheEcdsaWithAes128GcmSha256
	e.maxContent = config.MaxContentLength
	if e.maxContent <= 0 {
		e.maxContent = defaultMaxContent
	}
	e.rxSeen = [2]int64{-1, -1}
	e.scratch = make([]byte, 4096)

	if config.Role == meshcop.RoleClient {
		if _, err := rand.Read(e.clientRandom[:]); err != nil {
			return err
		}
		if e.isECDHE() {
			priv, err := ecdh.P256().GenerateKey(rand.Reader)
			if err != nil {
				return err
			}
			e.ecdhePriv = priv
		}
		e.state = stateStart
	} else {
		e.state = stateAwaitClientHello
	}
	return nil
}

// Reset implements meshcop.Engine.
func (e *Engine) Reset() {
	*e = Engine{state: stateIdle}
}

// PeerCertificate implements meshcop.Engine.
func (e *Engine) PeerCertificate() *x509.Certificate {
	return e.peerCert
}

func (e *Engine) isECDHE() bool {
	return e.config.CipherSuite == meshcop.CipherSuiteEcdheEcdsaWithAes128Ccm8 ||
		e.config.CipherSuite == meshcop.CipherSuiteEcdheEcdsaWithAes128GcmSha256
}

// Handshake implements meshcop.Engine. It advances the handshake until it
// completes or the engine must yield for I/O or a timer.
func (e *Engine) Handshake() error {
	if e.bio == nil {
		return ErrNotSetup
	}
	if e.state == stateComplete {
		return nil
	}

	if e.bio.TimerState() == meshcop.TimerFinish && len(e.lastFlight) > 0 {
		if e.retransmits >= maxRetransmits {
			return ErrTimeout
		}
		e.retransmits++
		e.resendFlight()
		e.timeout *= 2
		if e.timeout > maxTimeout {
			e.timeout = maxTimeout
		}
		e.bio.SetTimer(e.timeout/2, e.timeout)
	}

	if e.state == stateStart {
		if err := e.sendClientHello(); err != nil {
			return err
		}
		e.state = stateAwaitCookie
	}

	for {
		rec, err := e.readRecord()
		if err != nil {
			return err
		}
		if err := e.handleRecord(rec); err != nil {
			return err
		}
		if e.state == stateComplete {
			return nil
		}
	}
}

// Read implements meshcop.Engine.
func (e *Engine) Read(p []byte) (int, error) {
	if e.bio == nil {
		return 0, ErrNotSetup
	}
	if e.peerClosed {
		return 0, meshcop.ErrPeerClosed
	}
	if e.state != stateComplete {
		return 0, meshcop.ErrWantRead
	}

	// Queued outbound records get another chance on each inbound step; a
	// failure just leaves them queued.
	_ = e.flushTxPending()

	for {
		rec, err := e.readRecord()
		if err != nil {
			return 0, err
		}

		switch rec.typ {
		case typeApplicationData:
			if rec.epoch != epochProtected {
				continue
			}
			if len(rec.payload) > len(p) {
				return 0, ErrBufferTooSmall
			}
			return copy(p, rec.payload), nil

		case typeAlert:
			e.peerClosed = true
			return 0, meshcop.ErrPeerClosed

		case typeHandshake:
			// The peer retransmitted its last flight; ours confirming it
			// must have been lost.
			e.resendFlight()

		default:
		}
	}
}

// Write implements meshcop.Engine. It fragments p into protected records.
// ErrWantWrite means nothing of p was transmitted and the whole payload
// may be retried. Once a leading record is out the remaining records are
// queued instead, and the payload counts as written; the queue drains on
// subsequent engine calls.
func (e *Engine) Write(p []byte) (int, error) {
	if e.bio == nil || e.tx == nil || e.state != stateComplete {
		return 0, ErrNotSetup
	}
	if err := e.flushTxPending(); err != nil {
		return 0, err
	}

	queued := false
	for off := 0; off < len(p); off += e.maxContent {
		end := off + e.maxContent
		if end > len(p) {
			end = len(p)
		}
		rec := e.protectedRecord(typeApplicationData, p[off:end])

		if queued {
			e.txPending = append(e.txPending, rec)
			continue
		}
		if _, err := e.bio.Transmit(rec); err != nil {
			if off == 0 {
				return 0, meshcop.ErrWantWrite
			}
			queued = true
			e.txPending = append(e.txPending, rec)
		}
	}
	return len(p), nil
}

// flushTxPending retries queued records in order, stopping at the first
// one the sender still refuses.
func (e *Engine) flushTxPending() error {
	for len(e.txPending) > 0 {
		if _, err := e.bio.Transmit(e.txPending[0]); err != nil {
			return meshcop.ErrWantWrite
		}
		e.txPending = e.txPending[1:]
	}
	return nil
}

// SendCloseNotify implements meshcop.Engine. Without established keys it is
// a no-op.
func (e *Engine) SendCloseNotify() error {
	if e.bio == nil || e.tx == nil {
		return nil
	}
	_ = e.flushTxPending()
	return e.transmitProtected(typeAlert, []byte{alertCloseNotify})
}

// --- client side ---

func (e *Engine) sendClientHello() error {
	body, err := e.buildClientHello()
	if err != nil {
		return err
	}
	e.chBody = body
	return e.sendFlight(typeHandshake, msgClientHello, body)
}

func (e *Engine) buildClientHello() ([]byte, error) {
	m := &clientHello{
		suite:    byte(e.config.CipherSuite),
		cookie:   e.cookie,
		identity: e.config.PskIdentity,
	}
	m.random = e.clientRandom

	if e.isECDHE() {
		m.pub = e.ecdhePriv.PublicKey().Bytes()
		if e.config.Certificate != nil {
			m.cert = e.config.Certificate.Raw
			digest := sha256.Sum256(append(e.clientRandom[:], m.pub...))
			sig, err := ecdsa.SignASN1(rand.Reader, e.config.PrivateKey, digest[:])
			if err != nil {
				return nil, err
			}
			m.sig = sig
		}
	}
	return m.encode(), nil
}

func (e *Engine) handleHelloVerify(body []byte) error {
	if e.state != stateAwaitCookie {
		return nil
	}
	cookie, err := parseHelloVerify(body)
	if err != nil {
		return err
	}

	e.cookie = cookie
	if err := e.sendClientHello(); err != nil {
		return err
	}
	e.state = stateAwaitServerHello
	return nil
}

func (e *Engine) handleServerHello(body []byte) error {
	if e.state != stateAwaitServerHello {
		return nil
	}
	m, err := parseServerHello(body)
	if err != nil {
		return err
	}
	if m.suite != byte(e.config.CipherSuite) {
		return ErrUnsupportedSuite
	}

	e.serverRandom = m.random
	e.shBody = body

	var ikm []byte
	if e.isECDHE() {
		cert, err := x509.ParseCertificate(m.cert)
		if err != nil {
			return ErrVerifyFailed
		}
		transcript := append(append(append([]byte(nil), e.clientRandom[:]...), e.serverRandom[:]...), m.pub...)
		if err := verifyKeyShare(cert, transcript, m.sig); err != nil {
			return err
		}
		if e.config.VerifyPeer {
			if err := verifyChain(cert, e.config.CaChain); err != nil {
				return err
			}
		}
		e.peerCert = cert

		peerPub, err := ecdh.P256().NewPublicKey(m.pub)
		if err != nil {
			return ErrVerifyFailed
		}
		ikm, err = e.ecdhePriv.ECDH(peerPub)
		if err != nil {
			return ErrVerifyFailed
		}
	} else {
		ikm = e.config.Psk
	}

	if err := e.deriveKeys(ikm); err != nil {
		return err
	}

	e.clientVerify = e.finishedMAC(labelClientFinished, e.transcript(false))
	if err := e.sendProtectedFlight(msgFinished, e.clientVerify); err != nil {
		return err
	}
	e.state = stateAwaitServerFinished
	return nil
}

func (e *Engine) handleServerFinished(body []byte) error {
	if e.state != stateAwaitServerFinished {
		return nil
	}

	want := e.finishedMAC(labelServerFinished, e.transcript(true))
	if !crypto.HMACEqual(body, want) {
		return ErrVerifyFailed
	}
	e.completeHandshake()
	return nil
}

// --- server side ---

func (e *Engine) handleClientHello(body []byte) error {
	if e.state != stateAwaitClientHello {
		return nil
	}
	m, err := parseClientHello(body)
	if err != nil {
		return err
	}
	if m.suite != byte(e.config.CipherSuite) {
		return ErrUnsupportedSuite
	}

	expected := crypto.HMACSHA256(e.config.CookieSecret, m.random[:])[:cookieSize]
	if !crypto.HMACEqual(m.cookie, expected) {
		// No or stale cookie: answer with a verify request, keep no state.
		rec := e.plainRecord(typeHandshake, msgHelloVerifyRequest, encodeHelloVerify(expected))
		_, err := e.bio.Transmit(rec)
		if err != nil {
			return meshcop.ErrWantWrite
		}
		return nil
	}

	if len(e.config.PskIdentity) > 0 && string(m.identity) != string(e.config.PskIdentity) {
		return ErrVerifyFailed
	}

	e.clientRandom = m.random
	e.chBody = body

	var ikm []byte
	var clientPub *ecdh.PublicKey
	if e.isECDHE() {
		if e.config.VerifyPeer {
			if len(m.cert) == 0 {
				return ErrVerifyFailed
			}
			cert, err := x509.ParseCertificate(m.cert)
			if err != nil {
				return ErrVerifyFailed
			}
			transcript := append(append([]byte(nil), m.random[:]...), m.pub...)
			if err := verifyKeyShare(cert, transcript, m.sig); err != nil {
				return err
			}
			if err := verifyChain(cert, e.config.CaChain); err != nil {
				return err
			}
			e.peerCert = cert
		}

		clientPub, err = ecdh.P256().NewPublicKey(m.pub)
		if err != nil {
			return ErrVerifyFailed
		}
		priv, err := ecdh.P256().GenerateKey(rand.Reader)
		if err != nil {
			return err
		}
		e.ecdhePriv = priv
	} else {
		ikm = e.config.Psk
	}

	if _, err := rand.Read(e.serverRandom[:]); err != nil {
		return err
	}

	sh := &serverHello{suite: byte(e.config.CipherSuite)}
	sh.random = e.serverRandom
	if e.isECDHE() {
		sh.pub = e.ecdhePriv.PublicKey().Bytes()
		sh.cert = e.config.Certificate.Raw
		digest := sha256.Sum256(append(append(append([]byte(nil),
			e.clientRandom[:]...), e.serverRandom[:]...), sh.pub...))
		sig, err := ecdsa.SignASN1(rand.Reader, e.config.PrivateKey, digest[:])
		if err != nil {
			return err
		}
		sh.sig = sig

		ikm, err = e.ecdhePriv.ECDH(clientPub)
		if err != nil {
			return ErrVerifyFailed
		}
	}

	e.shBody = sh.encode()
	if err := e.sendFlight(typeHandshake, msgServerHello, e.shBody); err != nil {
		return err
	}
	if err := e.deriveKeys(ikm); err != nil {
		return err
	}
	e.state = stateAwaitClientFinished
	return nil
}

func (e *Engine) handleClientFinished(body []byte) error {
	if e.state != stateAwaitClientFinished {
		return nil
	}

	want := e.finishedMAC(labelClientFinished, e.transcript(false))
	if !crypto.HMACEqual(body, want) {
		return ErrVerifyFailed
	}
	e.clientVerify = want

	serverVerify := e.finishedMAC(labelServerFinished, e.transcript(true))
	if err := e.sendProtectedFlight(msgFinished, serverVerify); err != nil {
		return err
	}
	e.completeHandshake()
	return nil
}

// --- shared machinery ---

func (e *Engine) handleRecord(rec *record) error {
	switch rec.typ {
	case typeAlert:
		e.peerClosed = true
		return meshcop.ErrPeerClosed

	case typeHandshake:
		if len(rec.payload) < 1 {
			return nil
		}
		msgType, body := rec.payload[0], rec.payload[1:]
		switch msgType {
		case msgClientHello:
			return e.handleClientHello(body)
		case msgHelloVerifyRequest:
			return e.handleHelloVerify(body)
		case msgServerHello:
			return e.handleServerHello(body)
		case msgFinished:
			if e.config.Role == meshcop.RoleClient {
				return e.handleServerFinished(body)
			}
			return e.handleClientFinished(body)
		default:
			return nil
		}

	default:
		// Application data before completion; drop.
		return nil
	}
}

func (e *Engine) completeHandshake() {
	e.state = stateComplete
	e.retransmits = 0
	e.bio.SetTimer(0, 0)
	if e.config.KeyExporter != nil {
		e.config.KeyExporter(e.master, e.keyBlock)
	}
}

// transcript returns the finished-MAC transcript hash; withClientVerify
// distinguishes the server finished from the client finished.
func (e *Engine) transcript(withClientVerify bool) []byte {
	h := sha256.New()
	h.Write(e.chBody)
	h.Write(e.shBody)
	if withClientVerify {
		h.Write(e.clientVerify)
	}
	return h.Sum(nil)
}

func (e *Engine) finishedMAC(label, transcript []byte) []byte {
	mac := crypto.NewHMACSHA256(e.master)
	mac.Write(label)
	mac.Write(transcript)
	return mac.Sum(nil)[:verifyDataSize]
}

// deriveKeys runs the HKDF schedule: extract from the suite's input keying
// material salted with both randoms, then expand the per-direction keys and
// implicit IVs.
func (e *Engine) deriveKeys(ikm []byte) error {
	salt := append(append([]byte(nil), e.clientRandom[:]...), e.serverRandom[:]...)
	e.master = crypto.HKDFExtractSHA256(ikm, salt)

	ivLen := crypto.CCMNonceSize - 8
	if e.gcm {
		ivLen = 12 - 8
	}

	keyBlock, err := crypto.HKDFExpandSHA256(e.master, labelKeyExpansion, 2*keySize+2*ivLen)
	if err != nil {
		return err
	}
	e.keyBlock = keyBlock

	cKey := keyBlock[:keySize]
	sKey := keyBlock[keySize : 2*keySize]
	cIV := keyBlock[2*keySize : 2*keySize+ivLen]
	sIV := keyBlock[2*keySize+ivLen:]

	client, err := newCipherState(cKey, cIV, e.gcm)
	if err != nil {
		return err
	}
	server, err := newCipherState(sKey, sIV, e.gcm)
	if err != nil {
		return err
	}

	if e.config.Role == meshcop.RoleClient {
		e.tx, e.rx = client, server
	} else {
		e.tx, e.rx = server, client
	}
	return nil
}

// plainRecord builds an epoch-0 handshake record.
func (e *Engine) plainRecord(typ, msgType byte, body []byte) []byte {
	payload := append([]byte{msgType}, body...)
	seq := e.txSeq
	e.txSeq++
	hdr := encodeRecordHeader(typ, epochPlaintext, seq, len(payload))
	return append(hdr, payload...)
}

// protectedRecord builds an epoch-1 record sealed with the tx cipher. The
// header, carrying the ciphertext length, is the associated data.
func (e *Engine) protectedRecord(typ byte, payload []byte) []byte {
	seq := e.txSeq
	e.txSeq++
	hdr := encodeRecordHeader(typ, epochProtected, seq, len(payload)+e.tx.aead.Overhead())
	sealed := e.tx.seal(hdr, seq, payload)
	return append(hdr, sealed...)
}

func (e *Engine) transmitProtected(typ byte, payload []byte) error {
	rec := e.protectedRecord(typ, payload)
	if _, err := e.bio.Transmit(rec); err != nil {
		return meshcop.ErrWantWrite
	}
	return nil
}

// sendFlight transmits a plaintext handshake record and arms retransmission.
func (e *Engine) sendFlight(typ, msgType byte, body []byte) error {
	rec := e.plainRecord(typ, msgType, body)
	return e.armFlight(rec)
}

// sendProtectedFlight transmits a protected handshake record and arms
// retransmission.
func (e *Engine) sendProtectedFlight(msgType byte, body []byte) error {
	rec := e.protectedRecord(typeHandshake, append([]byte{msgType}, body...))
	return e.armFlight(rec)
}

func (e *Engine) armFlight(rec []byte) error {
	e.lastFlight = [][]byte{rec}
	e.retransmits = 0
	e.timeout = initialTimeout
	e.bio.SetTimer(e.timeout/2, e.timeout)

	if _, err := e.bio.Transmit(rec); err != nil {
		// Keep the flight armed; the timer drives the retry.
		return meshcop.ErrWantWrite
	}
	return nil
}

func (e *Engine) resendFlight() {
	for _, rec := range e.lastFlight {
		if _, err := e.bio.Transmit(rec); err != nil {
			return
		}
	}
}

// readRecord parses the next acceptable record from the inbound buffer,
// pulling from the Bio as needed. Replayed and undecryptable records are
// dropped.
func (e *Engine) readRecord() (*record, error) {
	for {
		if rec, consumed := e.parseRecord(); consumed > 0 {
			e.rxBuf = e.rxBuf[consumed:]
			if rec != nil {
				return rec, nil
			}
			continue
		}

		n, err := e.bio.Receive(e.scratch)
		if err != nil {
			return nil, err
		}
		e.rxBuf = append(e.rxBuf, e.scratch[:n]...)
	}
}

// parseRecord attempts to parse one record from rxBuf. It returns the
// number of bytes consumed; a nil record with nonzero consumed means the
// record was dropped.
func (e *Engine) parseRecord() (*record, int) {
	if len(e.rxBuf) < recordHeaderSize {
		return nil, 0
	}

	length := int(binary.BigEndian.Uint16(e.rxBuf[10:12]))
	total := recordHeaderSize + length
	if len(e.rxBuf) < total {
		return nil, 0
	}

	hdr := e.rxBuf[:recordHeaderSize]
	typ := hdr[0]
	epoch := hdr[1]
	seq := binary.BigEndian.Uint64(hdr[2:10])
	body := e.rxBuf[recordHeaderSize:total]

	if epoch > epochProtected {
		return nil, total
	}

	// Handshake records are exempt from the replay check: retransmitted
	// flights must reach the state machine, which handles duplicates
	// idempotently. Everything else is dropped on a stale sequence.
	if typ != typeHandshake && int64(seq) <= e.rxSeen[epoch] {
		return nil, total
	}

	payload := body
	if epoch == epochProtected {
		if e.rx == nil {
			return nil, total
		}
		plain, err := e.rx.open(hdr, seq, body)
		if err != nil {
			return nil, total
		}
		payload = plain
	}

	e.rxSeen[epoch] = int64(seq)
	out := make([]byte, len(payload))
	copy(out, payload)
	return &record{typ: typ, epoch: epoch, seq: seq, payload: out}, total
}
