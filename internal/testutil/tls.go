package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestPKI is a throwaway certificate authority with one server and one client
// certificate signed by it. All files live in a per-test temporary directory.
type TestPKI struct {
	Dir string

	CAFile string
	CAPool *x509.CertPool

	ServerCertFile string
	ServerKeyFile  string

	ClientCertFile string
	ClientKeyFile  string
}

// NewTestPKI writes a CA, a server certificate valid for localhost and
// 127.0.0.1, and a client certificate.
func NewTestPKI(tb testing.TB) *TestPKI {
	tb.Helper()

	dir := tb.TempDir()
	pki := &TestPKI{
		Dir:            dir,
		CAFile:         filepath.Join(dir, "ca.pem"),
		ServerCertFile: filepath.Join(dir, "server.pem"),
		ServerKeyFile:  filepath.Join(dir, "server-key.pem"),
		ClientCertFile: filepath.Join(dir, "client.pem"),
		ClientKeyFile:  filepath.Join(dir, "client-key.pem"),
	}

	caKey := newECKey(tb)
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "tokenbroker test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		tb.Fatalf("testutil: create CA certificate: %v", err)
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		tb.Fatalf("testutil: parse CA certificate: %v", err)
	}
	writePEM(tb, pki.CAFile, "CERTIFICATE", caDER)

	pki.CAPool = x509.NewCertPool()
	pki.CAPool.AddCert(caCert)

	pki.issue(tb, caCert, caKey, &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}, pki.ServerCertFile, pki.ServerKeyFile)

	pki.issue(tb, caCert, caKey, &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: "tokenbroker-client"},
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}, pki.ClientCertFile, pki.ClientKeyFile)

	return pki
}

// WriteGarbage writes a file that is not valid PEM and returns its path.
func (p *TestPKI) WriteGarbage(tb testing.TB, name string) string {
	tb.Helper()

	path := filepath.Join(p.Dir, name)
	if err := os.WriteFile(path, []byte("not a certificate"), 0o600); err != nil {
		tb.Fatalf("testutil: write %s: %v", name, err)
	}
	return path
}

func (p *TestPKI) issue(tb testing.TB, ca *x509.Certificate, caKey *ecdsa.PrivateKey, leaf *x509.Certificate, certFile, keyFile string) {
	tb.Helper()

	key := newECKey(tb)
	leaf.NotBefore = time.Now().Add(-time.Hour)
	leaf.NotAfter = time.Now().Add(time.Hour)
	leaf.KeyUsage = x509.KeyUsageDigitalSignature

	der, err := x509.CreateCertificate(rand.Reader, leaf, ca, &key.PublicKey, caKey)
	if err != nil {
		tb.Fatalf("testutil: issue %s: %v", leaf.Subject.CommonName, err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		tb.Fatalf("testutil: marshal key: %v", err)
	}

	writePEM(tb, certFile, "CERTIFICATE", der)
	writePEM(tb, keyFile, "EC PRIVATE KEY", keyDER)
}

func newECKey(tb testing.TB) *ecdsa.PrivateKey {
	tb.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		tb.Fatalf("testutil: generate key: %v", err)
	}
	return key
}

func writePEM(tb testing.TB, path, blockType string, der []byte) {
	tb.Helper()

	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}), 0o600); err != nil {
		tb.Fatalf("testutil: write %s: %v", path, err)
	}
}
