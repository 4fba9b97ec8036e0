// Package openaiapi 提供 OpenAI v1 兼容接口的通用数据结构与辅助函数。
//
// 该包只关注协议层：请求/响应 JSON 结构、SSE chunk 结构、错误结构以及少量构建函数。
// 业务侧（NotDiamond 上游适配）在 upstream/openaihttp 包中实现。
package openaiapi
