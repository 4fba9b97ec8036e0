package nd2o

import (
	"sort"
	"strings"
)

const (
	// DefaultSiteURL 是 NotDiamond 聊天站点的默认地址。
	DefaultSiteURL = "https://chat.notdiamond.ai"
	// DefaultAuthURL 是 NotDiamond 使用的 Supabase 认证服务地址。
	DefaultAuthURL = "https://spuckhogycrxcbomznwo.supabase.co"
	// DefaultChatPath 是聊天提交端点相对 SiteURL 的路径。
	DefaultChatPath = "/mini-chat"
	// DefaultUserAgent 所有上游请求统一伪装成桌面 Chrome。
	DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36"

	// UnknownProvider 查不到模型时的 provider 占位值。
	UnknownProvider = "unknown"
)

// ModelEntry 描述一个对外模型名到上游内部标识的映射。
type ModelEntry struct {
	Provider string
	Mapping  string
}

var modelCatalog = map[string]ModelEntry{
	"gpt-4-turbo-2024-04-09":             {Provider: "openai", Mapping: "gpt-4-turbo-2024-04-09"},
	"gemini-1.5-pro-exp-0801":            {Provider: "google", Mapping: "models/gemini-1.5-pro-exp-0801"},
	"Meta-Llama-3.1-70B-Instruct-Turbo":  {Provider: "togetherai", Mapping: "meta.llama3-1-70b-instruct-v1:0"},
	"Meta-Llama-3.1-405B-Instruct-Turbo": {Provider: "togetherai", Mapping: "meta.llama3-1-405b-instruct-v1:0"},
	"llama-3.1-sonar-large-128k-online":  {Provider: "perplexity", Mapping: "llama-3.1-sonar-large-128k-online"},
	"gemini-1.5-pro-latest":              {Provider: "google", Mapping: "models/gemini-1.5-pro-latest"},
	"claude-3-5-sonnet-20240620":         {Provider: "anthropic", Mapping: "anthropic.claude-3-5-sonnet-20240620-v1:0"},
	"claude-3-haiku-20240307":            {Provider: "anthropic", Mapping: "anthropic.claude-3-haiku-20240307-v1:0"},
	"gpt-4o-mini":                        {Provider: "openai", Mapping: "gpt-4o-mini"},
	"gpt-4o":                             {Provider: "openai", Mapping: "gpt-4o"},
	"mistral-large-2407":                 {Provider: "mistral", Mapping: "mistral.mistral-large-2407-v1:0"},
}

// LookupModel 将对外模型名解析为上游映射。
// 查找永远成功：未知模型返回 provider=unknown，Mapping 原样透传，
// 由上游调用自己失败，本地不做校验。
func LookupModel(name string) ModelEntry {
	trimmed := strings.TrimSpace(name)
	if entry, ok := modelCatalog[trimmed]; ok {
		return entry
	}
	return ModelEntry{Provider: UnknownProvider, Mapping: trimmed}
}

// PresetModel 用于 /v1/models 输出。
type PresetModel struct {
	ID       string
	Provider string
}

// PresetModels 返回内置的模型列表，按 ID 排序保证输出稳定。
func PresetModels() []PresetModel {
	out := make([]PresetModel, 0, len(modelCatalog))
	for id, entry := range modelCatalog {
		out = append(out, PresetModel{ID: id, Provider: entry.Provider})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
