package worker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/recapd/recapd/internal/job"
)

type streamMessage struct {
	Type     string          `json:"type"`
	Progress int             `json:"progress"`
	Stage    string          `json:"stage"`
	Message  string          `json:"message"`
	Error    string          `json:"error"`
	Result   json.RawMessage `json:"result"`
}

// parseLine decodes one stream-json line; unknown or malformed lines are skipped.
func parseLine(line []byte) (streamMessage, bool) {
	var msg streamMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return streamMessage{}, false
	}
	switch msg.Type {
	case "progress", "log", "error", "result":
		return msg, true
	}
	return streamMessage{}, false
}

// decodeResult accepts either a JSON object or a JSON string holding one.
func decodeResult(raw json.RawMessage) (*job.Result, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("empty result")
	}
	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, fmt.Errorf("decode result text: %w", err)
		}
		raw = json.RawMessage(stripCodeFences(text))
	}
	var result job.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return &result, nil
}

// stripCodeFences removes markdown code fences that LLMs sometimes add despite instructions.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		// Remove opening fence (```json, ```, etc.)
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		if strings.HasSuffix(s, "```") {
			s = s[:len(s)-3]
		}
		s = strings.TrimSpace(s)
	}
	return s
}
