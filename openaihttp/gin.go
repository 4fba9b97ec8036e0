package openaihttp

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

func RegisterGinRoutes(r gin.IRouter, cfg Config) error {
	if r == nil {
		return fmt.Errorf("router is nil")
	}
	modelsHandler, chatHandler, err := Handlers(cfg)
	if err != nil {
		return err
	}

	basePath := normalizeBasePath(cfg.BasePath)
	r.GET(joinPath(basePath, "/models"), gin.WrapF(modelsHandler))
	r.POST(joinPath(basePath, "/chat/completions"), gin.WrapF(chatHandler))
	r.OPTIONS("/*preflight", handlePreflight)

	if engine, ok := r.(*gin.Engine); ok {
		engine.NoRoute(func(c *gin.Context) {
			writeOpenAIError(c.Writer, http.StatusNotFound, "not found")
		})
	}
	return nil
}

// handlePreflight 固定的 CORS 预检应答。
func handlePreflight(c *gin.Context) {
	h := c.Writer.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	c.Status(http.StatusNoContent)
}

// BearerGate 部署级访问闸门：enabled 为 false 时直接放行；
// 否则要求 Authorization 头等于 "Bearer <token>" 或裸 token，不匹配一律 401。
func BearerGate(enabled bool, token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !enabled {
			c.Next()
			return
		}
		authz := c.GetHeader("Authorization")
		if authz == "Bearer "+token || authz == token {
			c.Next()
			return
		}
		writeOpenAIError(c.Writer, http.StatusUnauthorized, "unauthorized")
		c.Abort()
	}
}
