package openaiapi

import (
	"encoding/json"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewChatCompletionID(t *testing.T) {
	id := NewChatCompletionID()
	require.Regexp(t, regexp.MustCompile(`^chatcmpl-[0-9a-f-]{8}$`), id)
	require.NotEqual(t, id, NewChatCompletionID())
}

func TestNewSystemFingerprint(t *testing.T) {
	fp := NewSystemFingerprint()
	require.Regexp(t, regexp.MustCompile(`^fp_[0-9a-f]{10}$`), fp)
	require.NotEqual(t, fp, NewSystemFingerprint())
}

func TestToChatChunk_EmptyDeltaOmitsContent(t *testing.T) {
	stop := "stop"
	chunk := ToChatChunk("chatcmpl-1", 100, "gpt-4o", "fp_1", "", &stop, &OpenAIUsage{TotalTokens: 3})
	data, err := json.Marshal(chunk)
	require.NoError(t, err)
	require.NotContains(t, string(data), `"content"`)
	require.Contains(t, string(data), `"finish_reason":"stop"`)
	require.Contains(t, string(data), `"total_tokens":3`)
}

func TestToChatChunk_ContentDelta(t *testing.T) {
	chunk := ToChatChunk("chatcmpl-1", 100, "gpt-4o", "fp_1", "Hello", nil, nil)
	require.Equal(t, int64(100), chunk.Created)
	require.NotNil(t, chunk.Choices[0].Delta.Content)
	require.Equal(t, "Hello", *chunk.Choices[0].Delta.Content)
	require.Nil(t, chunk.Usage)
}

func TestToChatCompletion(t *testing.T) {
	c := ToChatCompletion("chatcmpl-1", 100, "gpt-4o", "fp_1", "Hi there", OpenAIUsage{
		PromptTokens: 6, CompletionTokens: 2, TotalTokens: 8,
	})
	require.Equal(t, "chat.completion", c.Object)
	require.Equal(t, "Hi there", c.Choices[0].Message.Content)
	require.Equal(t, "stop", *c.Choices[0].FinishReason)
	require.Equal(t, 8, c.Usage.TotalTokens)
}

func TestContentToText(t *testing.T) {
	text, err := ContentToText("plain")
	require.NoError(t, err)
	require.Equal(t, "plain", text)

	text, err = ContentToText([]interface{}{
		map[string]interface{}{"type": "text", "text": "a"},
		map[string]interface{}{"type": "image_url", "url": "x"},
		map[string]interface{}{"type": "input_text", "text": "b"},
	})
	require.NoError(t, err)
	require.Equal(t, "ab", text)

	_, err = ContentToText(42)
	require.Error(t, err)

	text, err = ContentToText(nil)
	require.NoError(t, err)
	require.Empty(t, text)
}
