package server

import "crypto/tls"

// VersionProfile pairs a minimum/maximum TLS version for a named posture.
//
// Only Secure and Modern postures are offered: a listening server has no
// reason to accept SSL 3.0 / TLS 1.0 / TLS 1.1 handshakes from a client.
type VersionProfile struct {
	Min         uint16
	Max         uint16
	Description string
}

// ProfileModern is TLS 1.3 only.
var ProfileModern = VersionProfile{
	Min:         tls.VersionTLS13,
	Max:         tls.VersionTLS13,
	Description: "TLS 1.3 only - maximum security, modern clients only",
}

// ProfileSecure is TLS 1.2+, the default this server applies.
var ProfileSecure = VersionProfile{
	Min:         tls.VersionTLS12,
	Max:         tls.VersionTLS13,
	Description: "TLS 1.2+ - secure and widely compatible",
}

var cipherSuitesTLS12Secure = []uint16{
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
}

// applyVersionProfile bounds config's handshake to profile's version range.
func applyVersionProfile(config *tls.Config, profile VersionProfile) {
	config.MinVersion = profile.Min
	config.MaxVersion = profile.Max
}

// applyCipherSuites sets the accepted cipher suites for TLS 1.2 connections;
// TLS 1.3 negotiates its own suites and ignores this field.
func applyCipherSuites(config *tls.Config) {
	if config.MinVersion < tls.VersionTLS13 {
		config.CipherSuites = cipherSuitesTLS12Secure
	}
}
