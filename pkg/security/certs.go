package security

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// File names inside a material directory. Issuance lives outside this
// repo; whatever tool mints the certificates drops them here under these
// names, and both binaries read them back at startup.
const (
	CertFile = "cert.pem"
	KeyFile  = "key.pem"
	CAFile   = "ca.pem"
)

// Material is the mTLS identity one Symphony process presents on Connect:
// its own keypair plus the shared root CA both sides trust. A loaded
// Material is already chain-verified; a conductor and a node holding
// Materials from the same CA can authenticate each other, and nothing else
// can.
type Material struct {
	Keypair tls.Certificate
	CA      *x509.Certificate
}

// Load reads a material directory and verifies the keypair is signed by
// the CA found next to it. Failing fast here beats a handshake error
// minutes later when the first node dials in.
func Load(dir string) (*Material, error) {
	keypair, err := tls.LoadX509KeyPair(filepath.Join(dir, CertFile), filepath.Join(dir, KeyFile))
	if err != nil {
		return nil, fmt.Errorf("security: load keypair from %s: %w", dir, err)
	}
	if keypair.Leaf == nil {
		leaf, err := x509.ParseCertificate(keypair.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("security: parse leaf certificate: %w", err)
		}
		keypair.Leaf = leaf
	}

	ca, err := readCA(filepath.Join(dir, CAFile))
	if err != nil {
		return nil, err
	}

	m := &Material{Keypair: keypair, CA: ca}
	if err := m.Verify(); err != nil {
		return nil, err
	}
	return m, nil
}

// Save writes the material into dir, creating it 0700. The key is
// marshaled as PKCS#8, so RSA and ECDSA issuers both work.
func (m *Material) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("security: create material dir: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: m.Keypair.Certificate[0]})
	if err := os.WriteFile(filepath.Join(dir, CertFile), certPEM, 0o600); err != nil {
		return fmt.Errorf("security: write certificate: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(m.Keypair.PrivateKey)
	if err != nil {
		return fmt.Errorf("security: marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(filepath.Join(dir, KeyFile), keyPEM, 0o600); err != nil {
		return fmt.Errorf("security: write private key: %w", err)
	}

	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: m.CA.Raw})
	if err := os.WriteFile(filepath.Join(dir, CAFile), caPEM, 0o644); err != nil {
		return fmt.Errorf("security: write CA certificate: %w", err)
	}
	return nil
}

// Verify checks the keypair chains to the CA. Key usage is left open: the
// same material serves as server identity on the conductor and client
// identity on a node.
func (m *Material) Verify() error {
	if m.Keypair.Leaf == nil {
		return fmt.Errorf("security: keypair has no parsed leaf")
	}
	opts := x509.VerifyOptions{
		Roots:     m.Pool(),
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if _, err := m.Keypair.Leaf.Verify(opts); err != nil {
		return fmt.Errorf("security: certificate not signed by the shared CA: %w", err)
	}
	return nil
}

// Pool returns a cert pool holding just the shared CA, for both RootCAs
// and ClientCAs on the Connect listener and dialer.
func (m *Material) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(m.CA)
	return pool
}

// Present reports whether dir holds a complete set of material files.
func Present(dir string) bool {
	for _, name := range []string{CertFile, KeyFile, CAFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return false
		}
	}
	return true
}

// Remove deletes the material directory and everything in it.
func Remove(dir string) error {
	return os.RemoveAll(dir)
}

func readCA(path string) (*x509.Certificate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("security: read CA certificate: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("security: %s is not a PEM certificate", path)
	}
	ca, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("security: parse CA certificate: %w", err)
	}
	return ca, nil
}
