package tls

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"
)

func TestSetupDisabled(t *testing.T) {
	cfg, err := Setup(Options{})
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config, got %v %v", cfg, err)
	}
}

func TestSetupAutoGenerate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	cfg, err := Setup(Options{Dir: dir, AutoGenerate: true, MinVersion: "1.3"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if cfg.MinVersion != tls.VersionTLS13 {
		t.Fatalf("unexpected min version %x", cfg.MinVersion)
	}
	for _, name := range []string{tlsCrt, tlsKey, tlsCaCrt} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("%s not generated: %v", name, err)
		}
	}
	cert, err := cfg.GetCertificate(&tls.ClientHelloInfo{})
	if err != nil || cert == nil || len(cert.Certificate) == 0 {
		t.Fatalf("load generated pair: %v", err)
	}
}

func TestSetupMissingFiles(t *testing.T) {
	if _, err := Setup(Options{Dir: t.TempDir()}); err == nil {
		t.Fatalf("expected error for empty cert dir")
	}
	if _, err := Setup(Options{CertFile: "a.crt", KeyFile: "a.key", MinVersion: "1.0"}); err == nil {
		t.Fatalf("expected error for unsupported version")
	}
}
