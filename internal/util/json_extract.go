package util

import (
	"encoding/json"
	"fmt"
)

// ExtractedJSON 从模型输出中提取出的 JSON
type ExtractedJSON struct {
	Raw   string
	Value interface{}
}

// ExtractJSON 在任意文本中查找最外层的完整合法 {…} 或 […]，
// 忽略前后说明文字和 ``` 代码块标记，字符串内的括号不参与匹配。
// 多个候选时取跨度最长的一个，等长时取靠前的，
// 避免 "[1]" 这类引用标记抢先命中。
func ExtractJSON(text string) (*ExtractedJSON, bool) {
	var best *ExtractedJSON
	for start := 0; start < len(text); start++ {
		if text[start] != '{' && text[start] != '[' {
			continue
		}
		end, ok := matchBracket(text, start)
		if !ok {
			continue
		}
		candidate := text[start : end+1]
		if best != nil && len(candidate) <= len(best.Raw) {
			continue
		}
		var v interface{}
		if err := json.Unmarshal([]byte(candidate), &v); err != nil {
			continue
		}
		best = &ExtractedJSON{Raw: candidate, Value: v}
		// 合法候选内部的括号不可能更长，直接跳过
		start = end
	}
	return best, best != nil
}

// DecodeJSON 提取并解码到 v，失败时返回 ErrAISchema
func DecodeJSON(text string, v interface{}) (string, error) {
	extracted, ok := ExtractJSON(text)
	if !ok {
		return "", fmt.Errorf("%w: no JSON object found", ErrAISchema)
	}
	if err := json.Unmarshal([]byte(extracted.Raw), v); err != nil {
		return extracted.Raw, fmt.Errorf("%w: %v", ErrAISchema, err)
	}
	return extracted.Raw, nil
}

// matchBracket 返回与 start 处括号配对的下标
func matchBracket(text string, start int) (int, bool) {
	stack := make([]byte, 0, 8)
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}

		switch ch {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != ch {
				return 0, false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
