package transport

import (
	"os"
	"path/filepath"
	"testing"
)

func TestClientTLSUsesExplicitCAPath(t *testing.T) {
	pemBytes, err := DevCAPEM()
	if err != nil {
		t.Fatalf("dev ca: %v", err)
	}
	caPath := filepath.Join(t.TempDir(), "devtls_ca.pem")
	if err := os.WriteFile(caPath, pemBytes, 0600); err != nil {
		t.Fatalf("write ca: %v", err)
	}
	conf, err := ClientTLS(false, caPath)
	if err != nil {
		t.Fatalf("client tls with explicit path: %v", err)
	}
	if conf.RootCAs == nil || conf.InsecureSkipVerify {
		t.Fatalf("expected pinned roots")
	}
}

func TestClientTLSRejectsEmptyCAFile(t *testing.T) {
	caPath := filepath.Join(t.TempDir(), "empty.pem")
	if err := os.WriteFile(caPath, []byte("nothing here"), 0600); err != nil {
		t.Fatalf("write ca: %v", err)
	}
	if _, err := ClientTLS(false, caPath); err == nil {
		t.Fatalf("expected error for file without certificates")
	}
}

func TestDevCertIsDeterministic(t *testing.T) {
	a, err := DevCAPEM()
	if err != nil {
		t.Fatalf("dev ca: %v", err)
	}
	b, err := DevCAPEM()
	if err != nil {
		t.Fatalf("dev ca: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("dev certificate changed between calls")
	}
	if _, err := DevServerTLS(); err != nil {
		t.Fatalf("server tls: %v", err)
	}
}
