package app

import (
	"crypto/tls"
	"errors"
	"fmt"
)

// ValidateSecurityConfig enforces the transport security policy at startup.
// Fail-fast: a half-configured TLS setup never degrades to plaintext.
func ValidateSecurityConfig(cfg Config) error {
	hasCert := cfg.TLSCertFile != ""
	hasKey := cfg.TLSKeyFile != ""

	if hasCert != hasKey {
		return errors.New("security policy: RELAY_TLS_CERT_FILE and RELAY_TLS_KEY_FILE must be set together")
	}
	if cfg.RequireTLS && !hasCert {
		return errors.New("security policy: RELAY_REQUIRE_TLS=true but no certificate is configured")
	}
	if hasCert {
		if _, err := LoadTLSConfig(cfg); err != nil {
			return err
		}
	}
	if cfg.WSDevInsecure && cfg.RequireTLS {
		return errors.New("security policy: RELAY_WS_DEV_INSECURE cannot be combined with RELAY_REQUIRE_TLS")
	}
	return nil
}

// LoadTLSConfig returns the relay listener TLS config, or nil when TLS is off.
func LoadTLSConfig(cfg Config) (*tls.Config, error) {
	if cfg.TLSCertFile == "" && cfg.TLSKeyFile == "" {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("security policy: load tls key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
