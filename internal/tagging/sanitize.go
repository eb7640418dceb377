package tagging

import (
	"encoding/json"
	"strings"
)

// unsafeChars are characters not allowed in Drive or filesystem names.
var unsafeChars = strings.NewReplacer(
	"/", "-",
	`\`, "-",
	":", "-",
	"*", "",
	"?", "",
	`"`, "",
	"<", "",
	">", "",
	"|", "-",
)

// extractField reads field from a JSON object response, falling back to the
// raw text when the model ignored the response format.
func extractField(text, field string) string {
	text = stripCodeFence(strings.TrimSpace(text))

	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err == nil {
		if v, ok := obj[field].(string); ok {
			return v
		}
		if v, ok := obj[field].([]any); ok {
			parts := make([]string, 0, len(v))
			for _, p := range v {
				if s, ok := p.(string); ok {
					parts = append(parts, s)
				}
			}
			return strings.Join(parts, "_")
		}
		return ""
	}
	return text
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

// Sanitize reduces model output to a single filename-safe line.
func Sanitize(tags string) string {
	tags = strings.TrimSpace(tags)
	if line, _, ok := strings.Cut(tags, "\n"); ok {
		tags = line
	}
	tags = strings.TrimPrefix(tags, "Refined Tags:")
	tags = strings.Trim(strings.TrimSpace(tags), "`'\"")
	tags = unsafeChars.Replace(tags)
	return strings.Join(strings.Fields(tags), "_")
}
