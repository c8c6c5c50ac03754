package security

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"

	"github.com/hitoshi/dmnotify/internal/model"
)

// allowedSchemes は添付URLとして許可するスキーム。
var allowedSchemes = []string{"http", "https"}

// blockedNetworks は添付URLのホストとして拒否するネットワーク範囲。
// 名前解決後のアドレスはsafeurlのDialerフックで検証される。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16", // クラウドのメタデータIPを含む
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("blockedNetworksのCIDRが不正です: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// blockedHostnames は拒否するホスト名。
var blockedHostnames = []string{
	"localhost",
	"metadata.google.internal",
}

// ValidateURL はURLを名前解決せずに静的に検証する。
// スキームがhttp/https以外、ホストが空、プライベート・ループバック・リンクローカルの
// IPアドレス、または拒否ホスト名の場合はエラーを返す。
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("URLが空です")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("URLの形式が不正です: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("許可されていないスキームです: %q", scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("ホストが空です: %s", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("許可されていないIPアドレスです: %s", ip.String())
		}
		return nil
	}

	if isBlockedHostname(host) {
		return fmt.Errorf("許可されていないホストです: %s", host)
	}
	return nil
}

// NewSafeClient はSSRF対策済みのHTTPクライアントを生成する。
// 接続先IPはDNS解決後にsafeurlのDialerで検証されるため、DNSリバインディングも防げる。
func NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(80, 443).
		Build()

	return safeurl.Client(config).Client
}

// AttachmentChecker はメッセージの添付URLを検証する。
type AttachmentChecker struct {
	client *http.Client // nilの場合は到達性を確認しない
	logger *slog.Logger
}

// NewAttachmentChecker はAttachmentCheckerを生成する。
// clientを渡すと、静的検証に加えてHEADリクエストで到達性を確認する。
func NewAttachmentChecker(client *http.Client, logger *slog.Logger) *AttachmentChecker {
	return &AttachmentChecker{client: client, logger: logger}
}

// Check は添付URLを検証し、不正な場合はINVALID_ARGUMENTのAPIErrorを返す。
func (c *AttachmentChecker) Check(ctx context.Context, rawURL string) error {
	if err := ValidateURL(rawURL); err != nil {
		return model.NewInvalidArgumentError("添付URL: " + err.Error())
	}
	if c.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return model.NewInvalidArgumentError("添付URL: " + err.Error())
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("添付URLへのアクセスに失敗しました",
			slog.String("url", rawURL),
			slog.String("error", err.Error()),
		)
		return model.NewInvalidArgumentError("添付URLにアクセスできません")
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return model.NewInvalidArgumentError(fmt.Sprintf("添付URLがステータス %d を返しました", resp.StatusCode))
	}
	return nil
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func isBlockedHostname(host string) bool {
	lower := strings.ToLower(strings.TrimSuffix(host, "."))
	for _, blocked := range blockedHostnames {
		if lower == blocked {
			return true
		}
	}
	return false
}
