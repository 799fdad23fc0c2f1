package proxy

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"satgate/internal/payment"
)

// ErrUnparsableResponse means the upstream body is neither JSON nor an
// SSE stream. Settlement takes the emergency path: full refund, bytes
// passed through untouched.
var ErrUnparsableResponse = errors.New("upstream response is neither JSON nor SSE")

// ResponseKind discriminates the two upstream response shapes.
type ResponseKind int

const (
	KindUnknown ResponseKind = iota
	KindJSON
	KindSSE
)

// ssePrefix starts every event frame carrying a payload.
const ssePrefix = "data:"

// Sniff decides the response shape from the first non-whitespace
// bytes: an SSE stream opens with a data: line, JSON with a brace.
// Bodies that open with neither but contain data: lines somewhere are
// still treated as SSE (some upstreams emit comment preludes).
func Sniff(body []byte) ResponseKind {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		return KindUnknown
	}

	if bytes.HasPrefix(trimmed, []byte(ssePrefix)) {
		return KindSSE
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		return KindJSON
	}
	if bytes.Contains(body, []byte("\n"+ssePrefix)) {
		return KindSSE
	}
	return KindUnknown
}

// usageFrame is the slice of an upstream payload the extractor cares
// about. Usage stays a raw message so "present but null" and "absent"
// are distinguishable.
type usageFrame struct {
	Model string          `json:"model"`
	Usage json.RawMessage `json:"usage"`
}

func (f *usageFrame) decodeUsage() (*payment.Usage, error) {
	var counts struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	}
	if err := json.Unmarshal(f.Usage, &counts); err != nil {
		return nil, err
	}
	return &payment.Usage{
		Model:            f.Model,
		PromptTokens:     counts.PromptTokens,
		CompletionTokens: counts.CompletionTokens,
	}, nil
}

// hasUsage reports whether the frame carries a non-null usage object.
func (f *usageFrame) hasUsage() bool {
	trimmed := strings.TrimSpace(string(f.Usage))
	return trimmed != "" && trimmed != "null"
}

// ExtractUsage pulls the authoritative token counts out of an upstream
// body. A nil usage with nil error means the body parsed but carries
// no usage: the caller charges the flat maximum.
func ExtractUsage(body []byte) (*payment.Usage, error) {
	switch Sniff(body) {
	case KindJSON:
		return extractJSON(body)
	case KindSSE:
		return extractSSE(body)
	default:
		return nil, ErrUnparsableResponse
	}
}

func extractJSON(body []byte) (*payment.Usage, error) {
	var frame usageFrame
	if err := json.Unmarshal(body, &frame); err != nil {
		// A brace-opening body that is not valid JSON may still be an
		// SSE stream with a JSON-looking prelude.
		if bytes.Contains(body, []byte(ssePrefix)) {
			return extractSSE(body)
		}
		return nil, ErrUnparsableResponse
	}
	if !frame.hasUsage() {
		return nil, nil
	}

	usage, err := frame.decodeUsage()
	if err != nil {
		return nil, nil
	}
	return usage, nil
}

// extractSSE scans data: frames, keeping the first model seen and the
// last frame that carries usage. Frames that fail to decode are
// skipped; the final [DONE] sentinel is not JSON and falls out the
// same way.
func extractSSE(body []byte) (*payment.Usage, error) {
	var (
		firstModel string
		lastUsage  *payment.Usage
	)

	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, ssePrefix) {
			continue
		}
		payload := strings.TrimSpace(line[len(ssePrefix):])
		if payload == "" {
			continue
		}

		var frame usageFrame
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			continue
		}
		if firstModel == "" && frame.Model != "" {
			firstModel = frame.Model
		}
		if frame.hasUsage() {
			if usage, err := frame.decodeUsage(); err == nil {
				lastUsage = usage
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, ErrUnparsableResponse
	}

	if lastUsage == nil {
		return nil, nil
	}
	if firstModel != "" {
		lastUsage.Model = firstModel
	}
	return lastUsage, nil
}
