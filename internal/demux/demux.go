// Package demux implements the protocol demultiplexer: given a freshly
// accepted connection, decide HTTP/1.1 vs HTTP/2 via ALPN (TLS) or the H2
// connection preface / first-byte method letter (plaintext).
package demux

import (
	"bufio"
	"crypto/tls"
	"fmt"
)

// Protocol identifies which engine should own a connection after demux.
type Protocol int

// Protocol values this package returns.
const (
	ProtocolUnknown Protocol = iota
	ProtocolHTTP1
	ProtocolHTTP2
)

func (p Protocol) String() string {
	switch p {
	case ProtocolHTTP1:
		return "http/1.1"
	case ProtocolHTTP2:
		return "h2"
	default:
		return "unknown"
	}
}

// h2Preface is the 24-byte HTTP/2 client connection preface.
const h2Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// http1MethodLetters is the set of first bytes accepted as plaintext
// HTTP/1.1 ("G,P,D,H,O,C,T" — GET/PUT/POST, DELETE, HEAD, OPTIONS, CONNECT,
// TRACE).
var http1MethodLetters = map[byte]struct{}{
	'G': {}, 'P': {}, 'D': {}, 'H': {}, 'O': {}, 'C': {}, 'T': {},
}

// DetectTLS resolves the protocol from an already-completed TLS handshake's
// negotiated ALPN protocol. An unrecognized but non-empty ALPN value is an
// error; no ALPN negotiated defaults to http/1.1.
func DetectTLS(state tls.ConnectionState) (Protocol, error) {
	switch state.NegotiatedProtocol {
	case "h2":
		return ProtocolHTTP2, nil
	case "http/1.1", "":
		return ProtocolHTTP1, nil
	default:
		return ProtocolUnknown, fmt.Errorf("demux: unsupported ALPN protocol %q", state.NegotiatedProtocol)
	}
}

// DetectPlaintext peeks up to 24 bytes from br without consuming them,
// resolving the protocol for a non-TLS connection. br keeps the peeked bytes
// available for re-reading by the chosen engine.
func DetectPlaintext(br *bufio.Reader) (Protocol, error) {
	peek, err := br.Peek(len(h2Preface))
	if err == nil && string(peek) == h2Preface {
		return ProtocolHTTP2, nil
	}

	first, err := br.Peek(1)
	if err != nil {
		return ProtocolUnknown, err
	}
	if _, ok := http1MethodLetters[first[0]]; ok {
		return ProtocolHTTP1, nil
	}
	return ProtocolUnknown, fmt.Errorf("demux: unrecognized connection preamble %q", first[0])
}
