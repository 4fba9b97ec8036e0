// Package openaihttp 提供基于 NotDiamond 聊天端点的 OpenAI v1 兼容 HTTP 处理器。
//
// 该包对外只暴露：
// - net/http 形式的 handlers（models/chat.completions）
// - Gin 路由注册方法与 BearerGate 中间件
//
// 会话凭证只通过注入的 upstream.Session 获取（auth.Acquirer 实现），
// 该包自身不发起任何登录/抓取动作。
//
// 使用示例：
//
//	store := auth.NewStore()
//	acquirer := auth.NewAcquirer(store, auth.Config{Email: email, Password: password})
//	_ = openaihttp.RegisterGinRoutes(r, openaihttp.Config{
//		BasePath: "/v1",
//		Session:  acquirer,
//	})
package openaihttp
