package openaihttp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/LubyRuffy/nd2o"
	"github.com/LubyRuffy/nd2o/openaiapi"
	"github.com/LubyRuffy/nd2o/openaihttp"
	"github.com/stretchr/testify/require"
)

// stubSession 永远就绪的会话，头部打上固定 Cookie 方便上游断言。
type stubSession struct{}

func (s *stubSession) Ensure(ctx context.Context) bool  { return true }
func (s *stubSession) Refresh(ctx context.Context) bool { return true }
func (s *stubSession) Login(ctx context.Context) bool   { return true }
func (s *stubSession) Apply(h http.Header) {
	h.Set("Cookie", "sb-test-auth-token=base64-stub")
}

func TestModels_OK(t *testing.T) {
	modelsHandler, _, err := openaihttp.Handlers(openaihttp.Config{
		Session: &stubSession{},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	modelsHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp openaiapi.OpenAIModelList
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "list", resp.Object)
	require.Len(t, resp.Data, len(nd2o.PresetModels()))

	ids := make(map[string]string, len(resp.Data))
	for _, m := range resp.Data {
		require.Equal(t, "model", m.Object)
		ids[m.ID] = m.OwnedBy
	}
	for _, m := range nd2o.PresetModels() {
		require.Equal(t, m.Provider, ids[m.ID], "owned_by mismatch: %s", m.ID)
	}
}

func TestChatCompletions_MissingMessages(t *testing.T) {
	_, chatHandler, err := openaihttp.Handlers(openaihttp.Config{
		Session: &stubSession{},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	chatHandler(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp openaiapi.OpenAIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "messages is required", resp.Error.Message)
	require.Equal(t, "invalid_request_error", resp.Error.Type)
}

func TestChatCompletions_FullResponse(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "sb-test-auth-token=base64-stub", r.Header.Get("Cookie"))

		var payloads []struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payloads))
		require.Len(t, payloads, 1)
		require.Equal(t, "gpt-4o", payloads[0].Model)
		// 首条不是 system 时前置隐藏指令
		require.Equal(t, "system", payloads[0].Messages[0].Role)
		require.Equal(t, "user", payloads[0].Messages[1].Role)
		require.Equal(t, "hi", payloads[0].Messages[1].Content)

		w.Header().Set("Content-Type", "text/x-component")
		fmt.Fprint(w, "0:{\"diff\":[0,\"Hi\"]}\n")
		fmt.Fprint(w, "1:{\"diff\":[0,\" there\"]}\n")
	}))
	t.Cleanup(backend.Close)

	_, chatHandler, err := openaihttp.Handlers(openaihttp.Config{
		ChatURL:    backend.URL,
		HTTPClient: backend.Client(),
		Session:    &stubSession{},
	})
	require.NoError(t, err)

	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	chatHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp openaiapi.OpenAIChatCompletion
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, strings.HasPrefix(resp.ID, "chatcmpl-"))
	require.Equal(t, "chat.completion", resp.Object)
	require.Equal(t, "gpt-4o", resp.Model)
	require.True(t, strings.HasPrefix(resp.SystemFingerprint, "fp_"))
	require.Len(t, resp.Choices, 1)
	require.Equal(t, "Hi there", resp.Choices[0].Message.Content)
	require.Equal(t, "stop", *resp.Choices[0].FinishReason)
	// prompt 按入站内容长度，completion 按空白分段
	require.Equal(t, 2, resp.Usage.PromptTokens)
	require.Equal(t, 2, resp.Usage.CompletionTokens)
	require.Equal(t, 4, resp.Usage.TotalTokens)
}

func TestChatCompletions_UnknownModelPassedThrough(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payloads []struct {
			Model string `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payloads))
		require.Len(t, payloads, 1)
		require.Equal(t, "made-up-model", payloads[0].Model)

		w.Header().Set("Content-Type", "text/x-component")
		fmt.Fprint(w, "0:{\"curr\":\"ok\"}\n")
	}))
	t.Cleanup(backend.Close)

	_, chatHandler, err := openaihttp.Handlers(openaihttp.Config{
		ChatURL:    backend.URL,
		HTTPClient: backend.Client(),
		Session:    &stubSession{},
	})
	require.NoError(t, err)

	body := `{"model":" made-up-model ","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	w := httptest.NewRecorder()
	chatHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp openaiapi.OpenAIChatCompletion
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "made-up-model", resp.Model)
	require.Equal(t, "ok", resp.Choices[0].Message.Content)
}

func TestChatCompletions_StreamSSE(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/x-component")
		fmt.Fprint(w, "a:{\"diff\":[0,\"Hello\"]}\n")
	}))
	t.Cleanup(backend.Close)

	_, chatHandler, err := openaihttp.Handlers(openaihttp.Config{
		ChatURL:    backend.URL,
		HTTPClient: backend.Client(),
		Session:    &stubSession{},
	})
	require.NoError(t, err)

	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"stream":true}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	w := httptest.NewRecorder()
	chatHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	out := w.Body.String()
	require.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))

	var chunks []openaiapi.OpenAIChatChunk
	for _, line := range strings.Split(out, "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || data == "[DONE]" {
			continue
		}
		var chunk openaiapi.OpenAIChatChunk
		require.NoError(t, json.Unmarshal([]byte(data), &chunk))
		chunks = append(chunks, chunk)
	}
	require.Len(t, chunks, 2)

	// 内容块
	require.Equal(t, "chat.completion.chunk", chunks[0].Object)
	require.NotNil(t, chunks[0].Choices[0].Delta.Content)
	require.Equal(t, "Hello", *chunks[0].Choices[0].Delta.Content)
	require.Nil(t, chunks[0].Choices[0].FinishReason)
	require.Nil(t, chunks[0].Usage)

	// 终止块带用量
	require.Nil(t, chunks[1].Choices[0].Delta.Content)
	require.Equal(t, "stop", *chunks[1].Choices[0].FinishReason)
	require.NotNil(t, chunks[1].Usage)
	require.Equal(t, 2, chunks[1].Usage.PromptTokens)
	require.Equal(t, 1, chunks[1].Usage.CompletionTokens)
	require.Equal(t, 3, chunks[1].Usage.TotalTokens)

	// 同一响应的所有块复用同一组 id/created/fingerprint
	require.Equal(t, chunks[0].ID, chunks[1].ID)
	require.Equal(t, chunks[0].Created, chunks[1].Created)
	require.Equal(t, chunks[0].SystemFingerprint, chunks[1].SystemFingerprint)
}

func TestChatCompletions_AllTiersRejected401(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(backend.Close)

	_, chatHandler, err := openaihttp.Handlers(openaihttp.Config{
		ChatURL:    backend.URL,
		HTTPClient: backend.Client(),
		Session:    &stubSession{},
	})
	require.NoError(t, err)

	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	w := httptest.NewRecorder()
	chatHandler(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)

	var resp openaiapi.OpenAIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "authentication_error", resp.Error.Type)
}

func TestChatCompletions_Stream_AllTiersRejected401(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(backend.Close)

	_, chatHandler, err := openaihttp.Handlers(openaihttp.Config{
		ChatURL:    backend.URL,
		HTTPClient: backend.Client(),
		Session:    &stubSession{},
	})
	require.NoError(t, err)

	// 级联在流式路径里也要把终态 401 作为普通错误响应返回，而不是空 SSE
	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"stream":true}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	w := httptest.NewRecorder()
	chatHandler(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp openaiapi.OpenAIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "authentication_error", resp.Error.Type)
}

func TestChatCompletions_ContentParts(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payloads []struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payloads))
		require.Len(t, payloads, 1)
		last := payloads[0].Messages[len(payloads[0].Messages)-1]
		require.Equal(t, "hi there", last.Content)

		w.Header().Set("Content-Type", "text/x-component")
		fmt.Fprint(w, "0:{\"curr\":\"ok\"}\n")
	}))
	t.Cleanup(backend.Close)

	_, chatHandler, err := openaihttp.Handlers(openaihttp.Config{
		ChatURL:    backend.URL,
		HTTPClient: backend.Client(),
		Session:    &stubSession{},
	})
	require.NoError(t, err)

	body := `{"model":"gpt-4o","messages":[{"role":"user","content":[
		{"type":"input_text","text":"hi "},{"type":"text","text":"there"},{"type":"image_url","image_url":{}}
	]}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte(body)))
	w := httptest.NewRecorder()
	chatHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandlers_RequireSession(t *testing.T) {
	_, _, err := openaihttp.Handlers(openaihttp.Config{})
	require.Error(t, err)
}
