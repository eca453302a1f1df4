package events

import (
	"fmt"
	"strings"

	"github.com/runforge/runforge/internal/model"
)

// normalizeQuestions parses the raw questions array from a payload into
// normalized question records. A question without a non-blank prompt, or
// without at least one option with a non-blank label, is dropped. Missing and
// duplicate question ids are rewritten to "question-N" (1-based over the kept
// questions).
func normalizeQuestions(raw []any) []model.Question {
	var out []model.Question
	seen := make(map[string]struct{})

	for _, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		prompt := firstString(obj, questionPromptAliases)
		if prompt == "" {
			continue
		}
		options := normalizeOptions(firstSlice(obj, optionsAliases))
		if len(options) == 0 {
			continue
		}

		id := firstString(obj, questionIDAliases)
		if id != "" {
			if _, dup := seen[id]; dup {
				id = ""
			}
		}
		if id == "" {
			// Keep counting up past explicit ids that already took the
			// generated name, e.g. a first question literally id'd "question-2".
			for n := len(out) + 1; ; n++ {
				candidate := fmt.Sprintf("question-%d", n)
				if _, taken := seen[candidate]; !taken {
					id = candidate
					break
				}
			}
		}
		seen[id] = struct{}{}

		out = append(out, model.Question{ID: id, Prompt: prompt, Options: options})
	}
	return out
}

func normalizeOptions(raw []any) []model.QuestionOption {
	var out []model.QuestionOption
	used := make(map[string]struct{})
	for _, item := range raw {
		var id, label string
		switch v := item.(type) {
		case map[string]any:
			id = firstString(v, optionIDAliases)
			label = firstString(v, optionLabelAliases)
		case string:
			// Backends may send plain string options.
			label = strings.TrimSpace(v)
		}
		if label == "" {
			continue
		}
		if id == "" {
			for n := len(out) + 1; ; n++ {
				candidate := fmt.Sprintf("option-%d", n)
				if _, taken := used[candidate]; !taken {
					id = candidate
					break
				}
			}
		}
		used[id] = struct{}{}
		out = append(out, model.QuestionOption{ID: id, Label: label})
	}
	return out
}
