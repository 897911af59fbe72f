// Package tlsutil 提供出站 HTTP 客户端的统一 TLS 配置（TLS 1.2+，仅 AEAD 密码套件），
// 供 openaicompat Provider 与 HTTP 请求节点共用。
package tlsutil
