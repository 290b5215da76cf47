// Package tlsutil 集中管理 TLS 设置（TLS 1.2+，仅 AEAD 密码套件），
// 用于 API 监听、Redis outbox 连接、wss:// 节点拨号与 health 子命令。
package tlsutil
