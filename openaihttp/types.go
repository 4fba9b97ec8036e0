package openaihttp

import (
	"net/http"

	"github.com/LubyRuffy/nd2o/upstream"
)

type Config struct {
	// BasePath 仅用于 Gin 注册路由时拼接路径，默认 "/v1"。
	BasePath string
	// ChatURL NotDiamond 聊天提交端点，默认 DefaultSiteURL + DefaultChatPath。
	ChatURL string
	// Variant 上游协议形态：component（默认）或 event-stream。
	Variant string
	// HTTPClient 可选，nil 时内部使用 &http.Client{}。
	HTTPClient *http.Client
	// Session 必填：提供凭证注入与三级升级能力（auth.Acquirer 实现）。
	Session upstream.Session
}
