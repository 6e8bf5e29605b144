package relay

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// toolAnnotation is the fixed human-readable marker attached to extracted
// tool invocations in single-shot responses.
const toolAnnotation = "model requested a tool invocation"

// thoughtProcess summarizes a tool invocation found in a buffered document.
type thoughtProcess struct {
	Type       string          `json:"type"`
	Name       string          `json:"name"`
	Args       json.RawMessage `json:"args"`
	Annotation string          `json:"annotation"`
}

// AugmentDocument parses a fully-buffered upstream response and, when the
// candidate content carries a function call, attaches a sibling
// thoughtProcess field summarizing it. Documents without a function call are
// returned unchanged. A body that is not valid JSON is an error: the
// single-shot path has no per-record recovery.
func AugmentDocument(body []byte) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("upstream response is not valid JSON")
	}

	ev, ok := ExtractEvent(body)
	if !ok || ev.Type != EventFunctionCall {
		return body, nil
	}

	summary, err := json.Marshal(thoughtProcess{
		Type:       EventFunctionCall,
		Name:       ev.Name,
		Args:       ev.Args,
		Annotation: toolAnnotation,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal thought process: %w", err)
	}

	out, err := sjson.SetRawBytes(body, "thoughtProcess", summary)
	if err != nil {
		return nil, fmt.Errorf("augment response: %w", err)
	}
	return out, nil
}
