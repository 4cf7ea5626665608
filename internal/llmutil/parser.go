// Package llmutil holds helpers for decoding model replies that are supposed to be JSON
// but sometimes arrive wrapped in markdown or prose.
package llmutil

import (
	"fmt"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// fencedObject matches a JSON object inside a ``` or ```json block.
var fencedObject = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*({.*})\\s*\x60\x60\x60")

// ExtractJSONObject returns the JSON object embedded in a reply: the body of a markdown
// fence, or the outermost braces of conversational text. A reply with no braces is
// returned trimmed and unchanged.
func ExtractJSONObject(reply string) string {
	reply = strings.TrimSpace(reply)
	if strings.HasPrefix(reply, "{") {
		return reply
	}
	if m := fencedObject.FindStringSubmatch(reply); len(m) > 1 {
		return m[1]
	}
	first, last := strings.Index(reply, "{"), strings.LastIndex(reply, "}")
	if first != -1 && last > first {
		return reply[first : last+1]
	}
	return reply
}

// ParseJSONResponse decodes the JSON object embedded in reply into a T.
func ParseJSONResponse[T any](reply string) (*T, error) {
	body := ExtractJSONObject(reply)
	var out T
	if err := codec.UnmarshalFromString(body, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal model JSON reply: %w (extracted: %s)", err, truncate(body, 500))
	}
	return &out, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
