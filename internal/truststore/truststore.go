// Package truststore registers the local certificate authority so that TLS
// clients in this process trust certificates it signed.
package truststore

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"localhttps/internal/logging"
)

// SystemTrustStore makes a CA certificate file trusted.
type SystemTrustStore interface {
	AddTrustedCA(certPath string) error
}

// ProcessTrustStore keeps a certificate pool made of the system roots plus
// every CA added to it.
type ProcessTrustStore struct {
	mu                    sync.RWMutex
	pool                  *x509.CertPool
	patchDefaultTransport bool
}

// ProcessOption configures a ProcessTrustStore.
type ProcessOption func(*ProcessTrustStore)

// WithDefaultTransport makes AddTrustedCA install the updated pool on
// http.DefaultTransport.
func WithDefaultTransport() ProcessOption {
	return func(p *ProcessTrustStore) { p.patchDefaultTransport = true }
}

// NewProcessTrustStore starts from the system roots, or an empty pool where
// the platform offers none.
func NewProcessTrustStore(opts ...ProcessOption) *ProcessTrustStore {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	p := &ProcessTrustStore{pool: pool}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var (
	sharedOnce  sync.Once
	sharedStore *ProcessTrustStore
)

// Shared returns the process-wide trust store.
func Shared() *ProcessTrustStore {
	sharedOnce.Do(func() {
		sharedStore = NewProcessTrustStore()
	})
	return sharedStore
}

// AddTrustedCA adds every certificate in the PEM file at certPath.
func (p *ProcessTrustStore) AddTrustedCA(certPath string) error {
	certs, err := readCertificates(certPath)
	if err != nil {
		return err
	}

	p.mu.Lock()
	pool := p.pool.Clone()
	for _, cert := range certs {
		pool.AddCert(cert)
	}
	p.pool = pool
	p.mu.Unlock()

	if p.patchDefaultTransport {
		if t, ok := http.DefaultTransport.(*http.Transport); ok {
			patched := t.Clone()
			patched.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool}
			http.DefaultTransport = patched
		}
	}
	return nil
}

// RootCAs returns a copy of the current pool.
func (p *ProcessTrustStore) RootCAs() *x509.CertPool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pool.Clone()
}

// Client returns an HTTP client whose TLS roots are the current pool.
func (p *ProcessTrustStore) Client() *http.Client {
	var transport *http.Transport
	if base, ok := http.DefaultTransport.(*http.Transport); ok {
		transport = base.Clone()
	} else {
		transport = &http.Transport{Proxy: http.ProxyFromEnvironment, ForceAttemptHTTP2: true}
	}
	transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: p.RootCAs()}
	return &http.Client{Transport: transport}
}

func readCertificates(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, errors.New("no certificates found in " + path)
	}
	return certs, nil
}

// Registrar registers the local CA on a best-effort basis. Failures are
// logged and never returned.
type Registrar struct {
	store  SystemTrustStore
	logger *slog.Logger
}

func NewRegistrar(store SystemTrustStore, logger *slog.Logger) *Registrar {
	return &Registrar{store: store, logger: logging.OrDiscard(logger)}
}

// RegisterTrust adds the CA at caCertPath to the trust store.
func (r *Registrar) RegisterTrust(caCertPath string) {
	if r == nil || r.store == nil {
		return
	}
	if err := r.store.AddTrustedCA(caCertPath); err != nil {
		r.logger.Warn("failed to register local CA, continuing",
			slog.String("ca_path", caCertPath),
			slog.String("error", err.Error()))
		return
	}
	r.logger.Debug("registered local CA", slog.String("ca_path", caCertPath))
}
