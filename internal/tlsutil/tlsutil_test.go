package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientConfig(t *testing.T) {
	cfg := ClientConfig("redis.internal:6380")
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Equal(t, "redis.internal", cfg.ServerName)
	require.NotEmpty(t, cfg.CipherSuites)

	secure := make(map[uint16]bool)
	for _, cs := range tls.CipherSuites() {
		secure[cs.ID] = true
	}
	for _, cs := range cfg.CipherSuites {
		assert.True(t, secure[cs], "cipher suite %s is not in the secure list", tls.CipherSuiteName(cs))
	}

	// 无端口的地址不推断 ServerName；每次返回新实例
	assert.Empty(t, ClientConfig("redis.internal").ServerName)
	cfg.CipherSuites[0] = 0
	assert.NotZero(t, ClientConfig("").CipherSuites[0])
}

func TestHealthClient(t *testing.T) {
	client := HealthClient(15 * time.Second)
	assert.Equal(t, 15*time.Second, client.Timeout)

	tr, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	require.NotNil(t, tr.TLSClientConfig)
	assert.True(t, tr.ForceAttemptHTTP2)
	assert.Empty(t, tr.TLSClientConfig.NextProtos)
}

func TestWebSocketClient_HTTP1Only(t *testing.T) {
	client := WebSocketClient()
	assert.Zero(t, client.Timeout)

	tr, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.False(t, tr.ForceAttemptHTTP2)
	assert.Equal(t, []string{"http/1.1"}, tr.TLSClientConfig.NextProtos)
	assert.Equal(t, uint16(tls.VersionTLS12), tr.TLSClientConfig.MinVersion)
}

// writeSelfSigned 生成自签名证书，返回 cert/key 路径
func writeSelfSigned(t *testing.T) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "hivecoord.test"},
		DNSNames:     []string{"localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func TestLoadServerConfig(t *testing.T) {
	certFile, keyFile := writeSelfSigned(t)

	cfg, err := LoadServerConfig(certFile, keyFile)
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Contains(t, cfg.NextProtos, "http/1.1")
}

func TestLoadServerConfig_Errors(t *testing.T) {
	certFile, _ := writeSelfSigned(t)

	tests := []struct {
		name string
		cert string
		key  string
	}{
		{"missing key path", certFile, ""},
		{"missing cert path", "", certFile},
		{"unreadable files", "/nope/cert.pem", "/nope/key.pem"},
		{"cert used as key", certFile, certFile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadServerConfig(tt.cert, tt.key)
			assert.Error(t, err)
		})
	}
}
