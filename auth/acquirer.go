// Package auth 负责 NotDiamond 的会话获取与维护。
//
// 上游没有任何公开 API，所有获取步骤都是对其前端资源的抓取：
// Supabase anon key 藏在 layout bundle 里，next-action 藏在聊天页 chunk 里。
// 这天然脆弱（上游改版即失效），所以本层的失败从不抛错，
// 一律以 bool 上报，由上游调用方的重试级联决定下一步。
package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/LubyRuffy/nd2o"
)

// Config 描述 Acquirer 访问上游认证面的方式。
// SiteURL/AuthURL 可注入 httptest 地址以便用 fixture 测试抓取逻辑。
type Config struct {
	// SiteURL NotDiamond 站点地址，默认 nd2o.DefaultSiteURL。
	SiteURL string
	// AuthURL Supabase 认证服务地址，默认 nd2o.DefaultAuthURL。
	AuthURL string
	// Email/Password password grant 使用的固定凭证。
	Email    string
	Password string
	// UserAgent 为空时使用 nd2o.DefaultUserAgent。
	UserAgent string
	// HTTPClient 可选，nil 时内部使用带 15s 超时的 client。
	HTTPClient *http.Client
	// RequireNextAction 为 true 时 Ensure 会额外抓取 next-action（variant A 需要）。
	RequireNextAction bool
}

// Acquirer 执行发现/登录/刷新流程并把结果写入 Store。
// 获取流程整体串行：并发请求同时发现凭证失效时只有一个真正走网络。
type Acquirer struct {
	cfg   Config
	store *Store
	mu    sync.Mutex
}

func NewAcquirer(store *Store, cfg Config) *Acquirer {
	if strings.TrimSpace(cfg.SiteURL) == "" {
		cfg.SiteURL = nd2o.DefaultSiteURL
	}
	if strings.TrimSpace(cfg.AuthURL) == "" {
		cfg.AuthURL = nd2o.DefaultAuthURL
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = nd2o.DefaultUserAgent
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	cfg.SiteURL = strings.TrimRight(cfg.SiteURL, "/")
	cfg.AuthURL = strings.TrimRight(cfg.AuthURL, "/")
	if store == nil {
		store = NewStore()
	}
	return &Acquirer{cfg: cfg, store: store}
}

func (a *Acquirer) Store() *Store { return a.store }

// tokenResponse 是 Supabase token 端点的响应（只取需要的字段，
// cookie 里会带上完整原始 body 的 base64）。
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	User         struct {
		ID string `json:"id"`
	} `json:"user"`
}

// Login 用固定邮箱密码向 Supabase 发起 password grant。
// 成功后写入 cookie/refresh token/user id，失败只返回 false。
func (a *Acquirer) Login(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loginLocked(ctx)
}

func (a *Acquirer) loginLocked(ctx context.Context) bool {
	if !a.ensureAPIKeyLocked(ctx) {
		return false
	}
	body := map[string]any{
		"email":                a.cfg.Email,
		"password":             a.cfg.Password,
		"gotrue_meta_security": map[string]any{},
	}
	return a.tokenGrantLocked(ctx, "password", body)
}

// Refresh 用已存的 refresh token 换取新会话。
// 从未登录过时先走一次 Login（没有 refresh token 可用）。
func (a *Acquirer) Refresh(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.ensureAPIKeyLocked(ctx) {
		return false
	}
	snap := a.store.Snapshot()
	if snap.Cookie == "" {
		if !a.loginLocked(ctx) {
			return false
		}
		snap = a.store.Snapshot()
	}
	body := map[string]any{"refresh_token": snap.RefreshToken}
	return a.tokenGrantLocked(ctx, "refresh_token", body)
}

func (a *Acquirer) tokenGrantLocked(ctx context.Context, grantType string, body map[string]any) bool {
	snap := a.store.Snapshot()
	payload, err := json.Marshal(body)
	if err != nil {
		return false
	}

	grantURL := fmt.Sprintf("%s/auth/v1/token?grant_type=%s", a.cfg.AuthURL, grantType)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, grantURL, bytes.NewReader(payload))
	if err != nil {
		return false
	}
	req.Header.Set("apikey", snap.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", a.cfg.UserAgent)

	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		log.Printf("[nd2o] %s grant failed: %v", grantType, err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		log.Printf("[nd2o] %s grant rejected: %s", grantType, resp.Status)
		return false
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false
	}
	var token tokenResponse
	if err := json.Unmarshal(raw, &token); err != nil || strings.TrimSpace(token.AccessToken) == "" {
		log.Printf("[nd2o] %s grant returned unusable body", grantType)
		return false
	}

	// 上游网页端把完整 token 响应 base64 后塞进 sb-<ref>-auth-token cookie
	cookie := fmt.Sprintf("%s=base64-%s", a.cookieName(), base64.StdEncoding.EncodeToString(raw))
	a.store.SetSession(cookie, token.RefreshToken, token.User.ID)
	return true
}

// cookieName 由 AuthURL 的首个主机名 label 推出 Supabase project ref。
func (a *Acquirer) cookieName() string {
	ref := ""
	if u, err := url.Parse(a.cfg.AuthURL); err == nil {
		host := u.Hostname()
		if idx := strings.IndexByte(host, '.'); idx > 0 {
			ref = host[:idx]
		} else {
			ref = host
		}
	}
	return fmt.Sprintf("sb-%s-auth-token", ref)
}

func (a *Acquirer) ensureAPIKeyLocked(ctx context.Context) bool {
	if a.store.Snapshot().APIKey != "" {
		return true
	}
	key, ok := a.discoverKey(ctx)
	if !ok {
		return false
	}
	a.store.SetAPIKey(key)
	return true
}

// Ensure 保证一次可认证调用的前置条件：cookie 必须存在，
// variant A 还要求 next-action。已就绪时不发任何网络请求。
func (a *Acquirer) Ensure(ctx context.Context) bool {
	snap := a.store.Snapshot()
	if snap.Cookie == "" {
		if !a.Login(ctx) {
			return false
		}
	}
	if a.cfg.RequireNextAction && a.store.Snapshot().NextAction == "" {
		if !a.DiscoverNextAction(ctx) {
			return false
		}
	}
	return true
}

// Apply 把当前会话凭证写进一次上游聊天调用的请求头。
func (a *Acquirer) Apply(h http.Header) {
	snap := a.store.Snapshot()
	if snap.Cookie != "" {
		h.Set("Cookie", snap.Cookie)
	}
	if snap.NextAction != "" {
		h.Set("Next-Action", snap.NextAction)
	}
	h.Set("User-Agent", a.cfg.UserAgent)
	h.Set("Accept-Language", "zh-CN,zh;q=0.9")
}
