// Package config 提供 nd2o-server 的 YAML 配置加载与校验。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/LubyRuffy/nd2o"
	"github.com/LubyRuffy/nd2o/upstream"
)

// Config nd2o-server 的完整配置。
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Login    LoginConfig    `yaml:"login"`
	Gate     GateConfig     `yaml:"gate"`
}

// ServerConfig 本地监听配置。
type ServerConfig struct {
	Listen   string `yaml:"listen"`
	BasePath string `yaml:"base_path"`
}

// UpstreamConfig 上游站点配置，留空使用内置默认值。
type UpstreamConfig struct {
	SiteURL  string `yaml:"site_url"`
	AuthURL  string `yaml:"auth_url"`
	ChatPath string `yaml:"chat_path"`
	// Variant 上游协议形态：component（默认）或 event-stream。
	Variant string `yaml:"variant"`
}

// LoginConfig 上游账号。密码只存在内存里，不会被回写到任何地方。
type LoginConfig struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
}

// GateConfig 本地 API 的 Bearer 访问闸门。
type GateConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

// Load 从磁盘读取 YAML 配置，补默认值并校验。
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults 填充所有可留空字段的默认值。
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Server.Listen) == "" {
		c.Server.Listen = ":8080"
	}
	if strings.TrimSpace(c.Server.BasePath) == "" {
		c.Server.BasePath = "/v1"
	}
	if strings.TrimSpace(c.Upstream.SiteURL) == "" {
		c.Upstream.SiteURL = nd2o.DefaultSiteURL
	}
	if strings.TrimSpace(c.Upstream.AuthURL) == "" {
		c.Upstream.AuthURL = nd2o.DefaultAuthURL
	}
	if strings.TrimSpace(c.Upstream.ChatPath) == "" {
		c.Upstream.ChatPath = nd2o.DefaultChatPath
	}
	if strings.TrimSpace(c.Login.Email) == "" {
		c.Login.Email = os.Getenv("ND_EMAIL")
	}
	if strings.TrimSpace(c.Login.Password) == "" {
		c.Login.Password = os.Getenv("ND_PASSWORD")
	}
}

// Validate 做严格校验。变体字符串交给 upstream.ParseVariant 判定。
func (c Config) Validate() error {
	if strings.TrimSpace(c.Login.Email) == "" {
		return fmt.Errorf("login.email must be provided (or ND_EMAIL)")
	}
	if strings.TrimSpace(c.Login.Password) == "" {
		return fmt.Errorf("login.password must be provided (or ND_PASSWORD)")
	}
	if _, err := upstream.ParseVariant(c.Upstream.Variant); err != nil {
		return fmt.Errorf("upstream.variant: %w", err)
	}
	if c.Gate.Enabled && strings.TrimSpace(c.Gate.Token) == "" {
		return fmt.Errorf("gate.token must be provided when gate.enabled is true")
	}
	return nil
}

// ChatURL 拼出完整的聊天提交端点地址。
func (c Config) ChatURL() string {
	return strings.TrimRight(c.Upstream.SiteURL, "/") + c.Upstream.ChatPath
}
