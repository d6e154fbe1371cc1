package keypair

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeKeypair(t *testing.T, dir, commonName string) (certPath, keyPath string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{commonName},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600))
	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0644))
	return certPath, keyPath
}

func leafName(t *testing.T, kpr *KeypairReloader) string {
	t.Helper()
	cert, err := kpr.GetCertificateFunc()(nil)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	return leaf.Subject.CommonName
}

func TestKeypairReloader(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeKeypair(t, dir, "first.test")

	kpr, err := NewKeypairReloader(certPath, keyPath, nil)
	require.NoError(t, err)
	defer kpr.Close()
	assert.Equal(t, "first.test", leafName(t, kpr))

	writeKeypair(t, dir, "second.test")
	assert.Eventually(t, func() bool {
		return leafName(t, kpr) == "second.test"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestKeypairReloaderKeepsOldOnBadFile(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeKeypair(t, dir, "stable.test")

	kpr, err := NewKeypairReloader(certPath, keyPath, nil)
	require.NoError(t, err)
	defer kpr.Close()

	require.NoError(t, os.WriteFile(certPath, []byte("not a certificate"), 0644))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, "stable.test", leafName(t, kpr))
}

func TestNewKeypairReloaderMissingFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := NewKeypairReloader(filepath.Join(dir, "nope.pem"), filepath.Join(dir, "nope.key"), nil)
	assert.Error(t, err)
}
