package app

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeSelfSigned(t *testing.T) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "relay-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalECPrivateKey: %v", err)
	}

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certFile, keyFile
}

func TestValidateSecurityConfig(t *testing.T) {
	t.Parallel()

	cert, key := writeSelfSigned(t)

	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{name: "plaintext allowed", cfg: Config{}, ok: true},
		{name: "cert without key", cfg: Config{TLSCertFile: cert}, ok: false},
		{name: "require without cert", cfg: Config{RequireTLS: true}, ok: false},
		{name: "missing files", cfg: Config{TLSCertFile: "/nope/c.pem", TLSKeyFile: "/nope/k.pem"}, ok: false},
		{name: "valid pair", cfg: Config{TLSCertFile: cert, TLSKeyFile: key, RequireTLS: true}, ok: true},
		{name: "insecure ws under require", cfg: Config{TLSCertFile: cert, TLSKeyFile: key, RequireTLS: true, WSDevInsecure: true}, ok: false},
	}
	for _, tc := range cases {
		err := ValidateSecurityConfig(tc.cfg)
		if (err == nil) != tc.ok {
			t.Fatalf("%s: ValidateSecurityConfig err=%v want ok=%v", tc.name, err, tc.ok)
		}
	}
}

func TestLoadTLSConfig(t *testing.T) {
	t.Parallel()

	got, err := LoadTLSConfig(Config{})
	if err != nil || got != nil {
		t.Fatalf("LoadTLSConfig(empty)=%v,%v want nil,nil", got, err)
	}

	cert, key := writeSelfSigned(t)
	got, err = LoadTLSConfig(Config{TLSCertFile: cert, TLSKeyFile: key})
	if err != nil {
		t.Fatalf("LoadTLSConfig: %v", err)
	}
	if got.MinVersion != tls.VersionTLS12 || len(got.Certificates) != 1 {
		t.Fatalf("LoadTLSConfig()=%+v", got)
	}
}
