// internal/llmutil/parser.go
package llmutil

import (
	"fmt"
	"regexp"
	"strings"

	json "github.com/json-iterator/go"
)

// \x60 is a backtick; raw strings cannot hold one.
var fencedJSONRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json|JSON)?\\s*(\\{.*\\}|\\[.*\\])\\s*\x60\x60\x60")

// ExtractJSON returns the JSON document inside an LLM response. It accepts a
// bare document, a fenced ```json block, or a document embedded in prose.
func ExtractJSON(response string) (string, error) {
	response = strings.TrimSpace(response)
	if response == "" {
		return "", fmt.Errorf("empty LLM response")
	}
	if strings.HasPrefix(response, "{") || strings.HasPrefix(response, "[") {
		return response, nil
	}
	if m := fencedJSONRegex.FindStringSubmatch(response); len(m) > 1 {
		return m[1], nil
	}

	// Fall back to the widest object, then the widest array.
	for _, pair := range [][2]string{{"{", "}"}, {"[", "]"}} {
		first := strings.Index(response, pair[0])
		last := strings.LastIndex(response, pair[1])
		if first != -1 && last > first {
			return response[first : last+1], nil
		}
	}
	return "", fmt.Errorf("no JSON document found in LLM response: %s", truncate(response, 200))
}

// ParseJSONResponse decodes an LLM response into T.
func ParseJSONResponse[T any](response string) (*T, error) {
	doc, err := ExtractJSON(response)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal([]byte(doc), &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal LLM JSON response: %w (extracted: %s)", err, truncate(doc, 500))
	}
	return &out, nil
}

// truncate shortens s to at most max runes for error messages.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
