package events

import "strings"

// Execution backends disagree on payload field names. Each logical field has
// an ordered alias table; resolution walks the table and the first non-empty
// hit wins. Paths are dotted: "input.questions" descends into nested objects.
var (
	toolCallIDAliases = []string{"tool_call_id", "toolCallId", "callId", "call_id", "id"}
	toolNameAliases   = []string{"tool_name", "toolName", "tool", "name"}
	toolStatusAliases = []string{"status", "state"}
	toolErrorAliases  = []string{"error", "error_message", "errorMessage"}

	questionsAliases = []string{
		"questions",
		"input.questions",
		"arguments.questions",
		"params.questions",
		"request.questions",
	}

	questionIDAliases     = []string{"id", "question_id", "questionId", "key"}
	questionPromptAliases = []string{"prompt", "question", "text"}
	optionsAliases        = []string{"options", "choices"}
	optionIDAliases       = []string{"id", "value", "key"}
	optionLabelAliases    = []string{"label", "text", "title", "value"}
)

// lookup resolves a dotted path inside a decoded JSON object.
func lookup(payload map[string]any, path string) (any, bool) {
	if payload == nil {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var cur any = payload
	for _, part := range parts {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// firstString walks the alias table and returns the first non-blank string.
func firstString(payload map[string]any, aliases []string) string {
	for _, alias := range aliases {
		v, ok := lookup(payload, alias)
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// firstSlice walks the alias table and returns the first non-empty array.
func firstSlice(payload map[string]any, aliases []string) []any {
	for _, alias := range aliases {
		v, ok := lookup(payload, alias)
		if !ok {
			continue
		}
		if arr, ok := v.([]any); ok && len(arr) > 0 {
			return arr
		}
	}
	return nil
}
