package xtoken

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// appJWTLifetime App JWT 最长 10 分钟，留出时钟漂移余量。
	appJWTLifetime = 9 * time.Minute
	// appJWTBackdate 签发时间回拨，容忍服务端时钟偏差。
	appJWTBackdate = 60 * time.Second

	defaultAPIBaseURL = "https://api.github.com"
	maxAppResponse    = 1 << 20
)

// ErrAppExchange 安装 token 交换失败。
var ErrAppExchange = errors.New("xtoken: installation token exchange failed")

// SignAppJWT 用 App 私钥签发 RS256 JWT。
func SignAppJWT(appID int64, key *rsa.PrivateKey, now time.Time) (string, error) {
	if key == nil {
		return "", fmt.Errorf("%w: nil private key", ErrInvalidConfig)
	}
	claims := jwt.RegisteredClaims{
		Issuer:    strconv.FormatInt(appID, 10),
		IssuedAt:  jwt.NewNumericDate(now.Add(-appJWTBackdate)),
		ExpiresAt: jwt.NewNumericDate(now.Add(appJWTLifetime)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("xtoken: sign app jwt: %w", err)
	}
	return signed, nil
}

// AppConfig GitHub App 安装配置。
type AppConfig struct {
	AppID          int64  `koanf:"app_id"`
	InstallationID int64  `koanf:"installation_id"`
	PrivateKeyPEM  string `koanf:"private_key_pem"`
	// PrivateKeyFile 与 PrivateKeyPEM 二选一。
	PrivateKeyFile string `koanf:"private_key_file"`
	BaseURL        string `koanf:"base_url"`
}

// Enabled 是否配置了 App。
func (c AppConfig) Enabled() bool {
	return c.AppID != 0 && c.InstallationID != 0
}

// AppInstallationSource 用 App JWT 换取安装 token。实现 Source 和 Refresher。
type AppInstallationSource struct {
	appID          int64
	installationID int64
	key            *rsa.PrivateKey
	baseURL        string
	client         *http.Client
	now            func() time.Time
}

// AppOption 配置选项。
type AppOption func(*AppInstallationSource)

// WithHTTPClient 替换 HTTP 客户端。
func WithHTTPClient(c *http.Client) AppOption {
	return func(s *AppInstallationSource) {
		if c != nil {
			s.client = c
		}
	}
}

// WithAppClock 注入时钟。
func WithAppClock(now func() time.Time) AppOption {
	return func(s *AppInstallationSource) {
		if now != nil {
			s.now = now
		}
	}
}

// NewAppInstallationSource 创建 App 安装 token 来源。pemKey 为 PKCS#1 或 PKCS#8 PEM。
func NewAppInstallationSource(appID, installationID int64, pemKey []byte, baseURL string, opts ...AppOption) (*AppInstallationSource, error) {
	if appID == 0 || installationID == 0 {
		return nil, fmt.Errorf("%w: app_id and installation_id are required", ErrInvalidConfig)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemKey)
	if err != nil {
		return nil, fmt.Errorf("%w: parse app private key: %w", ErrInvalidConfig, err)
	}
	if baseURL == "" {
		baseURL = defaultAPIBaseURL
	}
	s := &AppInstallationSource{
		appID:          appID,
		installationID: installationID,
		key:            key,
		baseURL:        strings.TrimRight(baseURL, "/"),
		client:         &http.Client{Timeout: 30 * time.Second},
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Load 实现 Source，换取一个安装 token。
func (s *AppInstallationSource) Load(ctx context.Context) ([]Token, error) {
	t, err := s.exchange(ctx)
	if err != nil {
		return nil, err
	}
	return []Token{t}, nil
}

// Refresh 实现 Refresher，只处理安装 token。
func (s *AppInstallationSource) Refresh(ctx context.Context, old Token) (Token, error) {
	if old.Kind != KindInstallation {
		return Token{}, ErrNotRefreshable
	}
	fresh, err := s.exchange(ctx)
	if err != nil {
		return Token{}, err
	}
	fresh.Label = old.Label
	return fresh, nil
}

type installationTokenResponse struct {
	Token       string            `json:"token"`
	ExpiresAt   time.Time         `json:"expires_at"`
	Permissions map[string]string `json:"permissions"`
}

func (s *AppInstallationSource) exchange(ctx context.Context) (Token, error) {
	if ctx == nil {
		return Token{}, ErrNilContext
	}
	signed, err := SignAppJWT(s.appID, s.key, s.now())
	if err != nil {
		return Token{}, err
	}
	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", s.baseURL, s.installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, http.NoBody)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %w", ErrAppExchange, err)
	}
	Token{Value: signed}.OAuth2().SetAuthHeader(req)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %w", ErrAppExchange, err)
	}
	defer func() { _ = resp.Body.Close() }() //nolint:errcheck // 只读响应

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAppResponse))
	if err != nil {
		return Token{}, fmt.Errorf("%w: read body: %w", ErrAppExchange, err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return Token{}, fmt.Errorf("%w: status %d: %s", ErrAppExchange, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload installationTokenResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return Token{}, fmt.Errorf("%w: decode: %w", ErrAppExchange, err)
	}
	if payload.Token == "" {
		return Token{}, fmt.Errorf("%w: empty token in response", ErrAppExchange)
	}
	return Token{
		Value:     payload.Token,
		Kind:      KindInstallation,
		Scopes:    permissionScopes(payload.Permissions),
		ExpiresAt: payload.ExpiresAt,
	}, nil
}

// permissionScopes 把 {"contents":"read"} 转换为 ["contents:read"]，排序后返回。
func permissionScopes(perms map[string]string) []string {
	if len(perms) == 0 {
		return nil
	}
	out := make([]string, 0, len(perms))
	for name, level := range perms {
		out = append(out, name+":"+level)
	}
	sort.Strings(out)
	return out
}

var (
	_ Source    = (*AppInstallationSource)(nil)
	_ Refresher = (*AppInstallationSource)(nil)
)
