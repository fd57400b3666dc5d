package handshake

import "encoding/binary"

// Handshake message bodies. Variable-length fields carry a one-byte length
// prefix except certificates, which use two bytes.

type clientHello struct {
	random   [randomSize]byte
	suite    byte
	cookie   []byte
	identity []byte
	pub      []byte // ephemeral P-256 point, ECDHE suites only
	cert     []byte // client certificate DER, mutual-auth ECDHE only
	sig      []byte // signature over the client key share
}

type serverHello struct {
	random [randomSize]byte
	suite  byte
	pub    []byte
	cert   []byte
	sig    []byte
}

const randomSize = 32

func (m *clientHello) encode() []byte {
	out := make([]byte, 0, randomSize+8+len(m.cookie)+len(m.identity)+len(m.pub)+len(m.cert)+len(m.sig))
	out = append(out, m.random[:]...)
	out = append(out, m.suite)
	out = appendOpaque8(out, m.cookie)
	out = appendOpaque8(out, m.identity)
	out = appendOpaque8(out, m.pub)
	out = appendOpaque16(out, m.cert)
	out = appendOpaque8(out, m.sig)
	return out
}

func parseClientHello(body []byte) (*clientHello, error) {
	m := &clientHello{}
	if len(body) < randomSize+1 {
		return nil, ErrBadRecord
	}
	copy(m.random[:], body[:randomSize])
	m.suite = body[randomSize]
	rest := body[randomSize+1:]

	var err error
	if m.cookie, rest, err = readOpaque8(rest); err != nil {
		return nil, err
	}
	if m.identity, rest, err = readOpaque8(rest); err != nil {
		return nil, err
	}
	if m.pub, rest, err = readOpaque8(rest); err != nil {
		return nil, err
	}
	if m.cert, rest, err = readOpaque16(rest); err != nil {
		return nil, err
	}
	if m.sig, rest, err = readOpaque8(rest); err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, ErrBadRecord
	}
	return m, nil
}

func (m *serverHello) encode() []byte {
	out := make([]byte, 0, randomSize+6+len(m.pub)+len(m.cert)+len(m.sig))
	out = append(out, m.random[:]...)
	out = append(out, m.suite)
	out = appendOpaque8(out, m.pub)
	out = appendOpaque16(out, m.cert)
	out = appendOpaque8(out, m.sig)
	return out
}

func parseServerHello(body []byte) (*serverHello, error) {
	m := &serverHello{}
	if len(body) < randomSize+1 {
		return nil, ErrBadRecord
	}
	copy(m.random[:], body[:randomSize])
	m.suite = body[randomSize]
	rest := body[randomSize+1:]

	var err error
	if m.pub, rest, err = readOpaque8(rest); err != nil {
		return nil, err
	}
	if m.cert, rest, err = readOpaque16(rest); err != nil {
		return nil, err
	}
	if m.sig, rest, err = readOpaque8(rest); err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, ErrBadRecord
	}
	return m, nil
}

func encodeHelloVerify(cookie []byte) []byte {
	return appendOpaque8(nil, cookie)
}

func parseHelloVerify(body []byte) ([]byte, error) {
	cookie, rest, err := readOpaque8(body)
	if err != nil || len(rest) != 0 {
		return nil, ErrBadRecord
	}
	return cookie, nil
}

func appendOpaque8(out, data []byte) []byte {
	out = append(out, byte(len(data)))
	return append(out, data...)
}

func appendOpaque16(out, data []byte) []byte {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(data)))
	out = append(out, l[:]...)
	return append(out, data...)
}

func readOpaque8(in []byte) (data, rest []byte, err error) {
	if len(in) < 1 {
		return nil, nil, ErrBadRecord
	}
	n := int(in[0])
	if len(in) < 1+n {
		return nil, nil, ErrBadRecord
	}
	return in[1 : 1+n], in[1+n:], nil
}

func readOpaque16(in []byte) (data, rest []byte, err error) {
	if len(in) < 2 {
		return nil, nil, ErrBadRecord
	}
	n := int(binary.BigEndian.Uint16(in[:2]))
	if len(in) < 2+n {
		return nil, nil, ErrBadRecord
	}
	return in[2 : 2+n], in[2+n:], nil
}
