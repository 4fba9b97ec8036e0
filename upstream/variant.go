package upstream

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Variant 表示上游返回内容的两种封装形式。
// 两种部署形态的差异全部收敛在这里：成功响应的 Content-Type 标记、
// 请求的 Content-Type、正文里助手文本的提取方式、completion token 的计法。
type Variant string

const (
	// VariantComponent 行帧格式：每行 `<label>:<json>`，成功标记 text/x-component。
	VariantComponent Variant = "component"
	// VariantEventStream 原始文本格式：增量字节即内容，成功标记 text/event-stream。
	VariantEventStream Variant = "event-stream"
)

func ParseVariant(s string) (Variant, error) {
	switch Variant(strings.ToLower(strings.TrimSpace(s))) {
	case VariantComponent, "":
		return VariantComponent, nil
	case VariantEventStream:
		return VariantEventStream, nil
	default:
		return "", fmt.Errorf("unsupported upstream variant: %s", s)
	}
}

// ContentType 是判定一次调用成功所要求的响应 Content-Type 前缀。
func (v Variant) ContentType() string {
	if v == VariantEventStream {
		return "text/event-stream"
	}
	return "text/x-component"
}

// requestContentType 上游网页端两种形态发出的请求头不同。
func (v Variant) requestContentType() string {
	if v == VariantEventStream {
		return "application/json"
	}
	return "text/plain;charset=UTF-8"
}

// CountTokens 对一段已提取的内容计 completion token。
// 行帧形态按空白分段数，原始文本形态按字节长度。都是粗略近似，不是真实分词。
func (v Variant) CountTokens(fragment string) int {
	if v == VariantEventStream {
		return len(fragment)
	}
	return len(strings.Fields(fragment))
}

func (v Variant) newExtractor() extractor {
	if v == VariantEventStream {
		return &rawExtractor{}
	}
	return &lineExtractor{}
}

// extractor 从上游正文增量中提取助手可见文本。
// feed 按到达顺序吃进字节，flush 在流结束时处理残余缓冲。
type extractor interface {
	feed(chunk string, emit func(content string))
	flush(emit func(content string))
}

var frameRe = regexp.MustCompile(`^\w+:(.*)$`)

// lineFrame 行帧 JSON 载荷：diff 带的是 [index, 增量文本]，curr 是完整当前文本。
type lineFrame struct {
	Diff []any  `json:"diff"`
	Curr string `json:"curr"`
}

type lineExtractor struct {
	buf string
}

func (e *lineExtractor) feed(chunk string, emit func(string)) {
	e.buf += chunk
	lines := strings.Split(e.buf, "\n")
	e.buf = lines[len(lines)-1]
	for _, line := range lines[:len(lines)-1] {
		emitLineContent(line, emit)
	}
}

func (e *lineExtractor) flush(emit func(string)) {
	if strings.TrimSpace(e.buf) != "" {
		emitLineContent(e.buf, emit)
	}
	e.buf = ""
}

func emitLineContent(line string, emit func(string)) {
	if strings.TrimSpace(line) == "" {
		return
	}
	m := frameRe.FindStringSubmatch(line)
	if m == nil {
		return
	}
	var frame lineFrame
	if err := json.Unmarshal([]byte(m[1]), &frame); err != nil {
		// 非 JSON 帧（上游夹杂的元数据行）直接跳过
		return
	}

	content := ""
	if len(frame.Diff) > 1 {
		if s, ok := frame.Diff[1].(string); ok {
			content = s
		}
	} else if frame.Curr != "" {
		content = frame.Curr
	}
	if content == "" {
		return
	}
	// 上游用 $$ 转义 $（LaTeX 定界相关），还原后再往下送
	emit(strings.ReplaceAll(content, "$$", "$"))
}

// rawExtractor 直接透传增量字节，但缓存停在多字节 rune 中间的尾部，
// 避免读缓冲边界把一个字符劈成两段无效 UTF-8。
type rawExtractor struct {
	pending []byte
}

func (e *rawExtractor) feed(chunk string, emit func(string)) {
	if len(e.pending) > 0 {
		chunk = string(e.pending) + chunk
		e.pending = e.pending[:0]
	}
	cut := len(chunk)
	for back := 1; back <= utf8.UTFMax && back <= len(chunk); back++ {
		b := chunk[len(chunk)-back]
		if !utf8.RuneStart(b) {
			continue
		}
		if want := runeLenFromLeadByte(b); want > back {
			cut = len(chunk) - back
		}
		break
	}
	if cut < len(chunk) {
		e.pending = append(e.pending, chunk[cut:]...)
		chunk = chunk[:cut]
	}
	if chunk != "" {
		emit(chunk)
	}
}

func (e *rawExtractor) flush(emit func(string)) {
	// 流结束时残缺就残缺了，原样吐出
	if len(e.pending) > 0 {
		emit(string(e.pending))
		e.pending = nil
	}
}

// runeLenFromLeadByte 由首字节推 rune 总长，非法首字节按 1 处理。
func runeLenFromLeadByte(b byte) int {
	switch {
	case b < 0x80:
		return 1
	case b&0xE0 == 0xC0:
		return 2
	case b&0xF0 == 0xE0:
		return 3
	case b&0xF8 == 0xF0:
		return 4
	default:
		return 1
	}
}
