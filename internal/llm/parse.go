package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeJSON extracts the first JSON object from model output, tolerating code
// fences and surrounding prose, and decodes it into out.
func DecodeJSON(text string, out any) error {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in model output")
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), out); err != nil {
		return fmt.Errorf("decode model output: %w", err)
	}
	return nil
}
