package certstore

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"os/user"
	"path/filepath"
	"time"
)

const (
	nativeToolName    = "native"
	nativeToolVersion = "1"

	caValidity   = 10 * 365 * 24 * time.Hour
	leafValidity = (2*365 + 90) * 24 * time.Hour
)

// NativeTool creates the certificate authority and leaf certificates in
// process with ECDSA P-256 keys. It writes the same files mkcert does but
// does not touch the system trust store.
type NativeTool struct {
	now func() time.Time
}

// NewNativeTool returns an in-process certificate authority tool.
func NewNativeTool() *NativeTool {
	return &NativeTool{now: time.Now}
}

func (t *NativeTool) Name() string    { return nativeToolName }
func (t *NativeTool) Version() string { return nativeToolVersion }

// Install creates rootCA.pem and rootCA-key.pem in caRoot unless a loadable
// pair is already there.
func (t *NativeTool) Install(ctx context.Context, caRoot string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, _, err := loadCA(caRoot); err == nil {
		return nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate CA key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return err
	}

	now := t.now()
	owner := ownerName()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization:       []string{"localhttps development CA"},
			OrganizationalUnit: []string{owner},
			CommonName:         "localhttps " + owner,
		},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("failed to create CA certificate: %w", err)
	}

	if err := writeKey(filepath.Join(caRoot, RootCAKeyFile), key); err != nil {
		return err
	}
	return writeCert(filepath.Join(caRoot, RootCAFile), der)
}

// Issue signs a leaf certificate for hosts with the CA in caRoot.
func (t *NativeTool) Issue(ctx context.Context, caRoot, keyOut, certOut string, hosts []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(hosts) == 0 {
		return errors.New("no hosts to issue a certificate for")
	}

	caCert, caKey, err := loadCA(caRoot)
	if err != nil {
		return err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate leaf key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return err
	}

	now := t.now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization:       []string{"localhttps development certificate"},
			OrganizationalUnit: []string{ownerName()},
		},
		NotBefore:   now.Add(-5 * time.Minute),
		NotAfter:    now.Add(leafValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	template.DNSNames, template.IPAddresses = splitHosts(hosts)

	der, err := x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, caKey)
	if err != nil {
		return fmt.Errorf("failed to sign leaf certificate: %w", err)
	}

	if err := writeKey(keyOut, key); err != nil {
		return err
	}
	return writeCert(certOut, der)
}

func loadCA(caRoot string) (*x509.Certificate, crypto.Signer, error) {
	certPEM, err := os.ReadFile(filepath.Join(caRoot, RootCAFile))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(filepath.Join(caRoot, RootCAKeyFile))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CA key: %w", err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		return nil, nil, errors.New("invalid CA certificate PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, errors.New("invalid CA key PEM")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA key: %w", err)
	}
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, nil, errors.New("CA key cannot sign")
	}
	return cert, signer, nil
}

func writeKey(path string, key *ecdsa.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to encode private key: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return nil
}

func writeCert(path string, der []byte) error {
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	return nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serial, nil
}

func ownerName() string {
	hostname, _ := os.Hostname()
	if u, err := user.Current(); err == nil {
		return u.Username + "@" + hostname
	}
	return hostname
}
