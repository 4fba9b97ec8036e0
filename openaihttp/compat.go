package openaihttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/LubyRuffy/nd2o"
	"github.com/LubyRuffy/nd2o/openaiapi"
	"github.com/LubyRuffy/nd2o/upstream"
	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

type httpError struct {
	Status  int
	Message string
	Err     error
}

func (e *httpError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Message) != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

func (e *httpError) Unwrap() error { return e.Err }

type chatModel interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...einoModel.Option) (*schema.Message, error)
	Stream(ctx context.Context, input []*schema.Message, opts ...einoModel.Option) (*schema.StreamReader[*schema.Message], error)
}

type compatConfig struct {
	Now                  func() time.Time
	NewChatCompletion    func() string
	NewSystemFingerprint func() string
	WriteJSON            func(w http.ResponseWriter, data interface{})
	WriteOpenAIError     func(w http.ResponseWriter, statusCode int, message string)
	NewChatModel         func(modelID string, req *openaiapi.OpenAIChatRequest) (chatModel, error)
}

type compatHandler struct {
	now                  func() time.Time
	newChatCompletion    func() string
	newSystemFingerprint func() string
	writeJSON            func(w http.ResponseWriter, data interface{})
	writeOpenAIError     func(w http.ResponseWriter, statusCode int, message string)
	newChatModel         func(modelID string, req *openaiapi.OpenAIChatRequest) (chatModel, error)
}

func newCompatHandler(cfg compatConfig) (*compatHandler, error) {
	if cfg.WriteJSON == nil {
		return nil, fmt.Errorf("WriteJSON is required")
	}
	if cfg.WriteOpenAIError == nil {
		return nil, fmt.Errorf("WriteOpenAIError is required")
	}
	if cfg.NewChatModel == nil {
		return nil, fmt.Errorf("NewChatModel is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewChatCompletion == nil {
		cfg.NewChatCompletion = openaiapi.NewChatCompletionID
	}
	if cfg.NewSystemFingerprint == nil {
		cfg.NewSystemFingerprint = openaiapi.NewSystemFingerprint
	}
	return &compatHandler{
		now:                  cfg.Now,
		newChatCompletion:    cfg.NewChatCompletion,
		newSystemFingerprint: cfg.NewSystemFingerprint,
		writeJSON:            cfg.WriteJSON,
		writeOpenAIError:     cfg.WriteOpenAIError,
		newChatModel:         cfg.NewChatModel,
	}, nil
}

func (h *compatHandler) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeOpenAIError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	presetModels := nd2o.PresetModels()
	modelsList := make([]openaiapi.OpenAIModel, 0, len(presetModels))
	now := h.now().Unix()
	for _, m := range presetModels {
		modelsList = append(modelsList, openaiapi.OpenAIModel{
			ID:      m.ID,
			Object:  "model",
			Created: now,
			OwnedBy: m.Provider,
		})
	}

	h.writeJSON(w, openaiapi.OpenAIModelList{
		Object: "list",
		Data:   modelsList,
	})
}

func (h *compatHandler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeOpenAIError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req openaiapi.OpenAIChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeOpenAIError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		h.writeOpenAIError(w, http.StatusBadRequest, "messages is required")
		return
	}

	messages, err := convertOpenAIChatMessages(req.Messages)
	if err != nil {
		h.writeOpenAIError(w, http.StatusBadRequest, err.Error())
		return
	}

	// 模型解析永远成功：未知模型 provider=unknown，名字原样透传，让上游去失败
	entry := nd2o.LookupModel(req.Model)
	modelID := entry.Mapping

	cm, err := h.newChatModel(modelID, &req)
	if err != nil {
		h.writeOpenAIError(w, httpStatusFromError(err), httpMessageFromError(err))
		return
	}

	// 流式与否只看入站请求的 stream 字段，与上游实际返回的 Content-Type 无关
	if req.Stream {
		h.handleStreamResponse(w, r, cm, modelID, messages)
		return
	}

	respMsg, err := cm.Generate(r.Context(), messages)
	if err != nil {
		h.writeOpenAIError(w, httpStatusFromError(err), httpMessageFromError(err))
		return
	}

	content := ""
	usage := openaiapi.OpenAIUsage{}
	if respMsg != nil {
		content = respMsg.Content
		if respMsg.ResponseMeta != nil && respMsg.ResponseMeta.Usage != nil {
			u := respMsg.ResponseMeta.Usage
			usage = openaiapi.OpenAIUsage{
				PromptTokens:     u.PromptTokens,
				CompletionTokens: u.CompletionTokens,
				TotalTokens:      u.TotalTokens,
			}
		}
	}

	completion := openaiapi.ToChatCompletion(
		h.newChatCompletion(), h.now().Unix(), modelID, h.newSystemFingerprint(), content, usage)
	h.writeJSON(w, completion)
}

func (h *compatHandler) handleStreamResponse(
	w http.ResponseWriter,
	r *http.Request,
	cm chatModel,
	modelID string,
	messages []*schema.Message,
) {
	sr, err := cm.Stream(r.Context(), messages)
	if err != nil {
		h.writeOpenAIError(w, httpStatusFromError(err), httpMessageFromError(err))
		return
	}
	defer sr.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeOpenAIError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// 升级级联在 Stream 的 goroutine 里跑，终态 401 从第一次 Recv 才冒出来，
	// 所以 SSE 头推迟到真正有东西要写的时候再发
	headerSent := false
	sendHeader := func() {
		if headerSent {
			return
		}
		headerSent = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")
	}

	// 同一响应的所有 chunk 复用同一组 id/created/fingerprint
	chatID := h.newChatCompletion()
	created := h.now().Unix()
	fingerprint := h.newSystemFingerprint()

	var usage *openaiapi.OpenAIUsage
	for {
		msg, recvErr := sr.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			if !headerSent {
				// 还没写过任何字节，按普通错误响应返回
				h.writeOpenAIError(w, httpStatusFromError(recvErr), httpMessageFromError(recvErr))
				return
			}
			// 上游流中断即中断，不补发终止块，客户端按连接断裂处理
			log.Printf("[nd2o] stream aborted: %v", recvErr)
			return
		}
		if msg == nil {
			continue
		}
		if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
			usage = &openaiapi.OpenAIUsage{
				PromptTokens:     msg.ResponseMeta.Usage.PromptTokens,
				CompletionTokens: msg.ResponseMeta.Usage.CompletionTokens,
				TotalTokens:      msg.ResponseMeta.Usage.TotalTokens,
			}
		}
		if msg.Content == "" {
			continue
		}
		sendHeader()
		chunk := openaiapi.ToChatChunk(chatID, created, modelID, fingerprint, msg.Content, nil, nil)
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	if usage == nil {
		promptTokens := upstream.PromptTokens(messages)
		usage = &openaiapi.OpenAIUsage{PromptTokens: promptTokens, TotalTokens: promptTokens}
	}
	sendHeader()
	finishReason := "stop"
	final := openaiapi.ToChatChunk(chatID, created, modelID, fingerprint, "", &finishReason, usage)
	data, _ := json.Marshal(final)
	fmt.Fprintf(w, "data: %s\n\n", data)
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// convertOpenAIChatMessages 只拍平 content，角色原样透传给上游。
func convertOpenAIChatMessages(messages []openaiapi.OpenAIMessage) ([]*schema.Message, error) {
	result := make([]*schema.Message, 0, len(messages))
	for _, msg := range messages {
		role := strings.TrimSpace(msg.Role)
		if role == "" {
			return nil, fmt.Errorf("message role is required")
		}
		content, err := openaiapi.ContentToText(msg.Content)
		if err != nil {
			return nil, err
		}
		result = append(result, &schema.Message{
			Role:    schema.RoleType(role),
			Content: content,
		})
	}
	return result, nil
}

func httpStatusFromError(err error) int {
	var statusErr *upstream.StatusError
	if errors.As(err, &statusErr) && statusErr.Code != 0 {
		return statusErr.Code
	}
	var httpErr *httpError
	if errors.As(err, &httpErr) && httpErr != nil && httpErr.Status != 0 {
		return httpErr.Status
	}
	return http.StatusInternalServerError
}

func httpMessageFromError(err error) string {
	var httpErr *httpError
	if errors.As(err, &httpErr) && httpErr != nil && strings.TrimSpace(httpErr.Message) != "" {
		return httpErr.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
