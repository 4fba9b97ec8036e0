// Package nd2o 提供将 NotDiamond 网页聊天后端（无公开 API，基于浏览器会话）
// 转换为 OpenAI 兼容 API 的能力，方便第三方程序以 OpenAI SDK 的方式调用。
//
// 该仓库主要包含三类能力：
//  1. 会话层：auth 包从 NotDiamond 前端资源中提取 Supabase key / next-action，
//     并维护 password/refresh 两种 grant 的登录态（凭证只保存在内存中）
//  2. 上游适配：upstream 包把 OpenAI 消息转换成 NotDiamond 的私有请求格式，
//     带三级凭证升级重试（缓存 cookie → refresh → 重新登录）
//  3. HTTP 兼容层：openaihttp 包导出 /v1/models、/v1/chat/completions handlers
package nd2o
