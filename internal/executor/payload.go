// ABOUTME: Shared payload convention for the bundled executors
// ABOUTME: JSON {"text","system"} when it parses, raw bytes as the prompt otherwise

package executor

import "encoding/json"

// turnPayload is the conventional payload shape the bundled executors
// understand. The engine never reads payloads; this convention exists
// entirely on the executor side, and custom executors are free to define
// their own.
type turnPayload struct {
	Text   string `json:"text"`
	System string `json:"system"`
}

// parsePayload extracts the prompt and optional system text from a payload.
// Payloads that are not the conventional JSON shape are used verbatim as the
// prompt.
func parsePayload(raw []byte) (prompt, system string) {
	var p turnPayload
	if err := json.Unmarshal(raw, &p); err == nil && p.Text != "" {
		return p.Text, p.System
	}
	return string(raw), ""
}
