package openaihttp

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/LubyRuffy/nd2o"
	"github.com/LubyRuffy/nd2o/openaiapi"
	"github.com/LubyRuffy/nd2o/upstream"
)

func Handlers(cfg Config) (modelsHandler http.HandlerFunc, chatHandler http.HandlerFunc, err error) {
	resolved, err := resolveConfig(cfg)
	if err != nil {
		return nil, nil, err
	}

	compat, err := newCompatHandler(compatConfig{
		Now:                  time.Now,
		NewChatCompletion:    openaiapi.NewChatCompletionID,
		NewSystemFingerprint: openaiapi.NewSystemFingerprint,
		WriteJSON:            writeJSON,
		WriteOpenAIError:     writeOpenAIError,
		NewChatModel:         newChatModelFactory(resolved),
	})
	if err != nil {
		return nil, nil, err
	}

	return compat.handleModels, compat.handleChatCompletions, nil
}

func newChatModelFactory(resolved resolvedConfig) func(modelID string, req *openaiapi.OpenAIChatRequest) (chatModel, error) {
	return func(modelID string, req *openaiapi.OpenAIChatRequest) (chatModel, error) {
		m, err := upstream.NewChatModel(upstream.ChatModelConfig{
			Model:            modelID,
			ChatURL:          resolved.ChatURL,
			Variant:          resolved.Variant,
			Session:          resolved.Session,
			HTTPClient:       resolved.HTTPClient,
			Temperature:      req.Temperature,
			TopP:             req.TopP,
			FrequencyPenalty: req.FrequencyPenalty,
			PresencePenalty:  req.PresencePenalty,
			MaxTokens:        req.MaxTokens,
			Stop:             req.Stop,
		})
		if err != nil {
			return nil, &httpError{
				Status:  http.StatusInternalServerError,
				Message: "failed to create upstream model",
				Err:     err,
			}
		}
		return m, nil
	}
}

type resolvedConfig struct {
	BasePath   string
	ChatURL    string
	Variant    upstream.Variant
	HTTPClient *http.Client
	Session    upstream.Session
}

func resolveConfig(cfg Config) (resolvedConfig, error) {
	if cfg.Session == nil {
		return resolvedConfig{}, fmt.Errorf("Session is required")
	}

	variant, err := upstream.ParseVariant(cfg.Variant)
	if err != nil {
		return resolvedConfig{}, err
	}

	chatURL := strings.TrimSpace(cfg.ChatURL)
	if chatURL == "" {
		chatURL = nd2o.DefaultSiteURL + nd2o.DefaultChatPath
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	return resolvedConfig{
		BasePath:   normalizeBasePath(cfg.BasePath),
		ChatURL:    chatURL,
		Variant:    variant,
		HTTPClient: client,
		Session:    cfg.Session,
	}, nil
}
