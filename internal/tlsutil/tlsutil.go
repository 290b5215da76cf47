package tlsutil

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// aeadSuites TLS 1.2 下允许的密码套件；TLS 1.3 的套件不可配置
var aeadSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
}

func base() *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		CipherSuites: append([]uint16(nil), aeadSuites...),
	}
}

// ClientConfig Redis outbox 等出站连接用的客户端配置。
// addr 为 host:port 时用 host 校验证书，留空交给调用方的拨号器推断
func ClientConfig(addr string) *tls.Config {
	cfg := base()
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		cfg.ServerName = host
	}
	return cfg
}

// LoadServerConfig 加载 API 监听用的证书；两个路径必须同时给出
func LoadServerConfig(certFile, keyFile string) (*tls.Config, error) {
	if certFile == "" || keyFile == "" {
		return nil, errors.New("tls: both cert and key files are required")
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("tls: load key pair: %w", err)
	}
	cfg := base()
	cfg.Certificates = []tls.Certificate{cert}
	// /ws 升级只能走 HTTP/1.1
	cfg.NextProtos = []string{"h2", "http/1.1"}
	return cfg, nil
}

// transport 节点之间与 health 子命令的出站连接，对端数量少，空闲连接按节点保留
func transport(http2 bool) *http.Transport {
	tr := &http.Transport{
		TLSClientConfig: base(),
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   http2,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if !http2 {
		tr.TLSClientConfig.NextProtos = []string{"http/1.1"}
	}
	return tr
}

// HealthClient health 子命令使用的客户端
func HealthClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout, Transport: transport(true)}
}

// WebSocketClient 供 wss:// 拨号使用；握手必须是 HTTP/1.1，不能协商 h2。
// 连接是长连接，不设整体超时，拨号超时由调用方的 ctx 控制
func WebSocketClient() *http.Client {
	return &http.Client{Transport: transport(false)}
}
