package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func loadCertFromFile(t *testing.T, path string) *x509.Certificate {
	t.Helper()
	cert, err := readCert(path)
	if err != nil {
		t.Fatalf("failed to load certificate from %s: %v", path, err)
	}
	return cert
}

func writeExpiredCert(t *testing.T, path string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "expired"},
		DNSNames:     []string{"localhost"},
		NotBefore:    time.Now().Add(-2 * time.Hour),
		NotAfter:     time.Now().Add(-1 * time.Hour), // expired 1 hour ago
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating expired cert: %v", err)
	}
	if err := writePEMFile(path, "CERTIFICATE", certDER); err != nil {
		t.Fatalf("writing expired cert: %v", err)
	}
}

func TestLoadOrGenerateFirstRunGenerates(t *testing.T) {
	dir := t.TempDir()
	assets, err := LoadOrGenerate(Config{Dir: dir, Hosts: []string{"0.0.0.0", "devbox.lan", "192.168.1.20"}})
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}
	if !assets.WasGenerated || assets.Reason != ReasonGenerated {
		t.Errorf("expected generated assets, got %+v", assets)
	}

	cert := loadCertFromFile(t, assets.CertPath)
	for _, h := range []string{"localhost", "127.0.0.1", "::1", "devbox.lan", "192.168.1.20"} {
		if err := cert.VerifyHostname(h); err != nil {
			t.Errorf("certificate should cover %q: %v", h, err)
		}
	}
	for _, ip := range cert.IPAddresses {
		if ip.IsUnspecified() {
			t.Errorf("unspecified address %v should not be in the certificate", ip)
		}
	}
	if cert.NotAfter.Sub(cert.NotBefore) > validity+2*time.Minute {
		t.Errorf("unexpected validity %v", cert.NotAfter.Sub(cert.NotBefore))
	}
}

func TestLoadOrGenerateSecondRunReuses(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Dir: dir}
	first, err := LoadOrGenerate(cfg)
	if err != nil {
		t.Fatalf("first LoadOrGenerate: %v", err)
	}
	second, err := LoadOrGenerate(cfg)
	if err != nil {
		t.Fatalf("second LoadOrGenerate: %v", err)
	}
	if second.WasGenerated || second.Reason != ReasonReused {
		t.Errorf("expected reuse, got %+v", second)
	}
	if first.CertPath != second.CertPath {
		t.Errorf("cert path changed: %q -> %q", first.CertPath, second.CertPath)
	}
}

func TestLoadOrGenerateNewHostRegenerates(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadOrGenerate(Config{Dir: dir}); err != nil {
		t.Fatalf("first LoadOrGenerate: %v", err)
	}
	assets, err := LoadOrGenerate(Config{Dir: dir, Hosts: []string{"chat.test"}})
	if err != nil {
		t.Fatalf("second LoadOrGenerate: %v", err)
	}
	if !assets.WasGenerated {
		t.Error("should regenerate when a host is not covered")
	}
	if err := loadCertFromFile(t, assets.CertPath).VerifyHostname("chat.test"); err != nil {
		t.Errorf("regenerated cert should cover chat.test: %v", err)
	}
}

func TestLoadOrGenerateExpiredRegenerates(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Dir: dir}
	if _, err := LoadOrGenerate(cfg); err != nil {
		t.Fatalf("first LoadOrGenerate: %v", err)
	}

	writeExpiredCert(t, filepath.Join(dir, certFile))

	assets, err := LoadOrGenerate(cfg)
	if err != nil {
		t.Fatalf("second LoadOrGenerate: %v", err)
	}
	if !assets.WasGenerated {
		t.Error("should regenerate when cert is expired")
	}
	if time.Now().After(loadCertFromFile(t, assets.CertPath).NotAfter) {
		t.Error("regenerated cert should not be expired")
	}
}

func TestLoadOrGenerateCustomPaths(t *testing.T) {
	src, err := LoadOrGenerate(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}

	assets, err := LoadOrGenerate(Config{CustomCert: src.CertPath, CustomKey: src.KeyPath})
	if err != nil {
		t.Fatalf("custom LoadOrGenerate: %v", err)
	}
	if assets.Reason != ReasonCustom || assets.CertPath != src.CertPath || assets.WasGenerated {
		t.Errorf("unexpected custom assets %+v", assets)
	}
}

func TestLoadOrGeneratePartialCustomPathsError(t *testing.T) {
	if _, err := LoadOrGenerate(Config{CustomCert: "/tmp/x.crt"}); err == nil {
		t.Error("expected error for partial custom config")
	}
}

func TestLoadOrGenerateCustomPathNotFoundError(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadOrGenerate(Config{
		CustomCert: filepath.Join(dir, "missing.crt"),
		CustomKey:  filepath.Join(dir, "missing.key"),
	})
	if err == nil {
		t.Error("expected error for unreadable custom cert")
	}
}

func TestKeyFileHasCorrectPEMTypeAndPermissions(t *testing.T) {
	assets, err := LoadOrGenerate(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}
	data, err := os.ReadFile(assets.KeyPath)
	if err != nil {
		t.Fatal(err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "EC PRIVATE KEY" {
		t.Fatalf("expected EC PRIVATE KEY block, got %+v", block)
	}
	info, err := os.Stat(assets.KeyPath)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("key permissions = %o, want 600", perm)
	}
}

func TestAcquireLockRecoversStaleLock(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, ".lock")

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("creating stale lock: %v", err)
	}
	f.Close()

	staleTime := time.Now().Add(-10 * time.Minute)
	if err := os.Chtimes(lockPath, staleTime, staleTime); err != nil {
		t.Fatalf("setting stale lock mtime: %v", err)
	}

	unlock, err := acquireLock(dir)
	if err != nil {
		t.Fatalf("acquireLock should recover stale lock: %v", err)
	}
	unlock()
}

func TestLoadOrGenerateConcurrentSafe(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Dir: dir}

	const goroutines = 5
	var wg sync.WaitGroup
	errs := make([]error, goroutines)

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = LoadOrGenerate(cfg)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("goroutine %d failed: %v", i, err)
		}
	}

	assets, err := LoadOrGenerate(cfg)
	if err != nil {
		t.Fatalf("final LoadOrGenerate: %v", err)
	}
	if assets.WasGenerated {
		t.Error("final call should reuse existing certs")
	}
}

func TestTLSHandshakeWithGeneratedCert(t *testing.T) {
	assets, err := LoadOrGenerate(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}
	tlsCfg, err := NewTLSConfig(assets)
	if err != nil {
		t.Fatalf("NewTLSConfig: %v", err)
	}
	if tlsCfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %x, want TLS 1.2", tlsCfg.MinVersion)
	}
	if tlsCfg.ClientAuth != tls.NoClientCert {
		t.Errorf("ClientAuth = %v, want NoClientCert", tlsCfg.ClientAuth)
	}

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	srv.TLS = tlsCfg
	srv.StartTLS()
	defer srv.Close()

	pool := x509.NewCertPool()
	pool.AddCert(loadCertFromFile(t, assets.CertPath))
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool}}}

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("TLS request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestNewTLSConfigMissingFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := NewTLSConfig(&Assets{CertPath: filepath.Join(dir, "a"), KeyPath: filepath.Join(dir, "b")})
	if err == nil {
		t.Error("expected error for missing key pair")
	}
}
