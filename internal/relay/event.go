// Package relay transforms upstream Gemini responses for the client: it
// reframes SSE streams into a simplified event protocol and augments buffered
// JSON documents with extracted tool-call metadata.
package relay

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Outbound event types.
const (
	EventFunctionCall = "functionCall"
	EventText         = "text"
)

// candidateParts is the path of the content parts inside a Gemini response,
// both for stream chunks and for buffered documents.
const candidateParts = "candidates.0.content.parts"

// Event is the reframed unit emitted to the caller: either a tool invocation
// request or a plain text fragment.
type Event struct {
	Type string          `json:"type"`
	Name string          `json:"name,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`
	Text string          `json:"text,omitempty"`
}

// ExtractEvent inspects a decoded response payload for the recognized shapes.
// A function-call part anywhere in the candidate wins over a text part; at
// most one event is produced per payload. The second return value is false
// when neither shape is present.
func ExtractEvent(data []byte) (*Event, bool) {
	parts := gjson.GetBytes(data, candidateParts)
	if !parts.IsArray() {
		return nil, false
	}

	for _, part := range parts.Array() {
		fc := part.Get("functionCall")
		if !fc.Exists() {
			continue
		}
		args := fc.Get("args").Raw
		if args == "" {
			args = "{}"
		}
		return &Event{
			Type: EventFunctionCall,
			Name: fc.Get("name").String(),
			Args: json.RawMessage(args),
		}, true
	}

	for _, part := range parts.Array() {
		if text := part.Get("text").String(); text != "" {
			return &Event{Type: EventText, Text: text}, true
		}
	}

	return nil, false
}
