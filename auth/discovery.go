package auth

import (
	"context"
	"io"
	"log"
	"net/http"
	"regexp"
	"strings"
)

// 抓取用的特征模式，全部来自上游当前打包产物的观察结果。
var (
	layoutScriptRe = regexp.MustCompile(`<script src="(/_next/static/chunks/app/layout-[^"]+\.js)"`)
	scriptTagRe    = regexp.MustCompile(`(?s)<script[^>]*>(.*?)</script>`)
	chunkRefRe     = regexp.MustCompile(`static/chunks/[a-zA-Z0-9]+-[a-zA-Z0-9]+\.js`)
	nextActionRe   = regexp.MustCompile(`v=\(0,s\.\$\)\("([^"]+)"\)`)
)

const chatPageMarker = "static/chunks/app/(chat)/page-"

// discoverKey 从登录页引用的 layout bundle 中提取 Supabase anon key。
// 任何一步失败（非 2xx、模式不匹配、网络错误）都返回 ok=false，不报错。
func (a *Acquirer) discoverKey(ctx context.Context) (string, bool) {
	page, ok := a.fetchText(ctx, a.cfg.SiteURL+"/login", "")
	if !ok {
		return "", false
	}
	m := layoutScriptRe.FindStringSubmatch(page)
	if m == nil {
		log.Printf("[nd2o] discover key: layout bundle ref not found")
		return "", false
	}

	script, ok := a.fetchText(ctx, a.cfg.SiteURL+m[1], "")
	if !ok {
		return "", false
	}
	// bundle 里以 ("<auth url>", "<anon key>") 形参出现
	keyRe := regexp.MustCompile(`\("` + regexp.QuoteMeta(a.cfg.AuthURL) + `",\s*"([^"]+)"\)`)
	km := keyRe.FindStringSubmatch(script)
	if km == nil {
		log.Printf("[nd2o] discover key: anon key pattern not found")
		return "", false
	}
	return km[1], true
}

// DiscoverNextAction 从根页面引用的聊天页 chunk 中提取 next-action 标识，
// 逐个 chunk 尝试，第一个命中即停。variant A 的请求头需要该值。
func (a *Acquirer) DiscoverNextAction(ctx context.Context) bool {
	cookie := a.store.Snapshot().Cookie
	page, ok := a.fetchText(ctx, a.cfg.SiteURL+"/", cookie)
	if !ok {
		return false
	}

	var refs []string
	for _, tag := range scriptTagRe.FindAllString(page, -1) {
		if !strings.Contains(tag, chatPageMarker) {
			continue
		}
		refs = append(refs, chunkRefRe.FindAllString(tag, -1)...)
	}
	if len(refs) == 0 {
		log.Printf("[nd2o] discover next-action: no chat page chunks referenced")
		return false
	}

	for _, ref := range refs {
		script, ok := a.fetchText(ctx, a.cfg.SiteURL+"/_next/"+ref, cookie)
		if !ok {
			continue
		}
		if m := nextActionRe.FindStringSubmatch(script); m != nil {
			a.store.SetNextAction(m[1])
			return true
		}
	}
	log.Printf("[nd2o] discover next-action: pattern not found in %d chunks", len(refs))
	return false
}

func (a *Acquirer) fetchText(ctx context.Context, rawURL, cookie string) (string, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", false
	}
	req.Header.Set("User-Agent", a.cfg.UserAgent)
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		log.Printf("[nd2o] fetch %s failed: %v", rawURL, err)
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		log.Printf("[nd2o] fetch %s: %s", rawURL, resp.Status)
		return "", false
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", false
	}
	return string(data), true
}
