package util

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

// TLSServerName is the name embedded in the self-signed socket certificate.
const TLSServerName = "idleguard-local"

const (
	certValidity   = 365 * 24 * time.Hour
	certRenewAhead = 24 * time.Hour
)

// certDir allows tests to redirect certificate storage.
var certDir = RuntimeDir

// TLSConfig loads the socket certificate, regenerating it when missing or
// within a day of expiry.
func TLSConfig() (*tls.Config, error) {
	certPath, keyPath, err := certPaths()
	if err != nil {
		return nil, err
	}

	cert, err := loadCert(certPath, keyPath)
	if err != nil || cert.Leaf.NotAfter.Before(time.Now().Add(certRenewAhead)) {
		if err := writeSelfSignedCert(certPath, keyPath); err != nil {
			return nil, fmt.Errorf("generate TLS certificate: %w", err)
		}
		if cert, err = loadCert(certPath, keyPath); err != nil {
			return nil, fmt.Errorf("load generated certificate: %w", err)
		}
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ServerName:   TLSServerName,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientTLSConfig returns the client side of the socket TLS. The
// certificate is self-signed; the bearer token authenticates the peer.
func ClientTLSConfig() (*tls.Config, error) {
	certPath, keyPath, err := certPaths()
	if err != nil {
		return nil, err
	}
	cert, err := loadCert(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ServerName:         TLSServerName,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true,
	}, nil
}

func certPaths() (certPath, keyPath string, err error) {
	dir, err := certDir()
	if err != nil {
		return "", "", err
	}
	return filepath.Join(dir, "tls.crt"), filepath.Join(dir, "tls.key"), nil
}

func loadCert(certPath, keyPath string) (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, err
	}
	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return tls.Certificate{}, err
		}
		cert.Leaf = leaf
	}
	return cert, nil
}

func writeSelfSignedCert(certPath, keyPath string) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{AppName},
			CommonName:   TLSServerName,
		},
		NotBefore:   now.Add(-time.Minute),
		NotAfter:    now.Add(certValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:    []string{"localhost", TLSServerName},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(certPath), 0o700); err != nil {
		return fmt.Errorf("create certificate directory: %w", err)
	}
	if err := writePEM(certPath, "CERTIFICATE", der); err != nil {
		return err
	}
	return writePEM(keyPath, "EC PRIVATE KEY", keyDER)
}

func writePEM(path, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
