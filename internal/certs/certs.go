// Package certs provides the self-signed certificate used when the dev server
// runs over HTTPS.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	certFile = "dev.crt"
	keyFile  = "dev.key"

	// validity of generated certificates
	validity = 30 * 24 * time.Hour
)

const (
	ReasonCustom    = "custom"
	ReasonReused    = "reused"
	ReasonGenerated = "generated"
)

// Config controls where certificates come from.
type Config struct {
	// Dir holds generated certificates (Dir/dev.crt, Dir/dev.key).
	Dir string
	// Hosts are extra DNS names or IPs the certificate must cover, in
	// addition to localhost and the loopback addresses.
	Hosts []string
	// CustomCert and CustomKey, when both set, are used as-is.
	CustomCert string
	CustomKey  string
}

// Assets holds the resolved certificate paths.
type Assets struct {
	CertPath     string
	KeyPath      string
	WasGenerated bool
	Reason       string
}

// LoadOrGenerate returns the custom pair when configured, otherwise reuses
// the pair in cfg.Dir if it is unexpired and covers every host, and
// generates a fresh one in all other cases.
func LoadOrGenerate(cfg Config) (*Assets, error) {
	if (cfg.CustomCert == "") != (cfg.CustomKey == "") {
		return nil, fmt.Errorf("partial custom cert config: both --tls-cert and --tls-key must be set")
	}
	if cfg.CustomCert != "" {
		for _, path := range []string{cfg.CustomCert, cfg.CustomKey} {
			f, err := os.Open(path)
			if err != nil {
				return nil, fmt.Errorf("custom cert file not readable: %w", err)
			}
			f.Close()
		}
		return &Assets{CertPath: cfg.CustomCert, KeyPath: cfg.CustomKey, Reason: ReasonCustom}, nil
	}

	hosts := certHosts(cfg.Hosts)
	certPath := filepath.Join(cfg.Dir, certFile)
	keyPath := filepath.Join(cfg.Dir, keyFile)

	if usable(certPath, keyPath, hosts) {
		return &Assets{CertPath: certPath, KeyPath: keyPath, Reason: ReasonReused}, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating certs directory: %w", err)
	}
	unlock, err := acquireLock(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("acquiring cert generation lock: %w", err)
	}
	defer unlock()

	// Another process may have generated the pair while we waited.
	if usable(certPath, keyPath, hosts) {
		return &Assets{CertPath: certPath, KeyPath: keyPath, Reason: ReasonReused}, nil
	}

	if err := generate(certPath, keyPath, hosts); err != nil {
		return nil, err
	}
	return &Assets{CertPath: certPath, KeyPath: keyPath, WasGenerated: true, Reason: ReasonGenerated}, nil
}

// NewTLSConfig loads the pair for serving browsers (no client certificates).
func NewTLSConfig(a *Assets) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(a.CertPath, a.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading server key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}, nil
}

// certHosts adds the loopback names and drops unspecified bind addresses,
// which no client can dial by name.
func certHosts(extra []string) []string {
	hosts := []string{"localhost", "127.0.0.1", "::1"}
	seen := map[string]struct{}{"localhost": {}, "127.0.0.1": {}, "::1": {}}
	for _, h := range extra {
		if h == "" {
			continue
		}
		if ip := net.ParseIP(h); ip != nil && ip.IsUnspecified() {
			continue
		}
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		hosts = append(hosts, h)
	}
	return hosts
}

func usable(certPath, keyPath string, hosts []string) bool {
	if _, err := os.Stat(keyPath); err != nil {
		return false
	}
	cert, err := readCert(certPath)
	if err != nil {
		return false
	}
	if time.Now().After(cert.NotAfter) {
		return false
	}
	for _, h := range hosts {
		if cert.VerifyHostname(h) != nil {
			return false
		}
	}
	return true
}

func generate(certPath, keyPath string, hosts []string) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "chat-devserver",
			Organization: []string{"chat-devserver development"},
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("creating certificate: %w", err)
	}
	if err := writePEMFile(certPath, "CERTIFICATE", der); err != nil {
		return fmt.Errorf("writing cert: %w", err)
	}
	if err := writeKeyFile(keyPath, key); err != nil {
		return fmt.Errorf("writing key: %w", err)
	}
	return nil
}

// staleLockAge is the maximum age of a lock file before it is considered stale
// and eligible for cleanup (e.g., left behind by a crashed process).
const staleLockAge = 5 * time.Minute

// acquireLock creates an exclusive lock file in dir so that two dev servers
// started together do not both write the pair.
func acquireLock(dir string) (func(), error) {
	lockPath := filepath.Join(dir, ".lock")
	for i := 0; i < 10; i++ {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("creating lock file: %w", err)
		}
		if info, statErr := os.Stat(lockPath); statErr == nil {
			if time.Since(info.ModTime()) > staleLockAge {
				os.Remove(lockPath)
				continue
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	return nil, fmt.Errorf("could not acquire cert generation lock at %s after 5s", lockPath)
}

func readCert(certPath string) (*x509.Certificate, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("reading cert file: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM data in %s", certPath)
	}
	return x509.ParseCertificate(block.Bytes)
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}
	return serial, nil
}

func writePEMFile(path, blockType string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: data})
}

func writeKeyFile(path string, key *ecdsa.PrivateKey) error {
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshaling EC private key: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
}
