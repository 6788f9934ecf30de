package crypto

import (
	"crypto/x509"
	"encoding/pem"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueClientCertVerifiesAgainstCA(t *testing.T) {
	ca, err := NewCA("test ca")
	require.NoError(t, err)

	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	cert, err := ca.IssueClientCert(kp.PublicKey, "gw-abc", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "gw-abc", cert.Subject.CommonName)

	pool := x509.NewCertPool()
	pool.AddCert(ca.Cert)
	_, err = cert.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	assert.NoError(t, err)
}

func TestLoadOrCreateCAPersists(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "ca.pem")
	keyFile := filepath.Join(dir, "ca-key.pem")

	first, err := LoadOrCreateCA(certFile, keyFile)
	require.NoError(t, err)

	second, err := LoadOrCreateCA(certFile, keyFile)
	require.NoError(t, err)
	assert.Equal(t, first.Cert.SerialNumber, second.Cert.SerialNumber)
	assert.True(t, first.Key.Equal(second.Key))
}

func TestKeyPairToPEM(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	encoded, err := kp.ToPEM()
	require.NoError(t, err)

	block, _ := pem.Decode([]byte(encoded.PublicKey))
	require.NotNil(t, block)
	assert.Equal(t, "PUBLIC KEY", block.Type)

	parsed, err := ParsePrivateKeyPEM([]byte(encoded.PrivateKey))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(kp.PrivateKey))
}
