package truststore

import (
	"crypto/tls"

	"localhttps/internal/certstore"
)

func loadKeyPair(b certstore.Bundle) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(b.CertPath, b.KeyPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
