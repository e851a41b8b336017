package secure

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
)

func parseLeaf(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, errors.New("no PEM block")
	}
	return x509.ParseCertificate(block.Bytes)
}

func verifyOptions(name string, roots *x509.CertPool) x509.VerifyOptions {
	return x509.VerifyOptions{DNSName: name, Roots: roots}
}
