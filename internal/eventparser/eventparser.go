// Package eventparser recognizes orchestration-event syntax in agent
// output (spec.md §4.I): a command form ("hats emit ...") and a
// structured JSON-object form. Recognition is line-wise and lossless —
// a recognized line still belongs in the text output buffer.
package eventparser

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Emit is one recognized event-emission.
type Emit struct {
	Topic   string
	Payload string
}

// commandForm matches `hats emit "<topic>" "<payload>"` (and the
// legacy `ralph emit ...` spelling), with an optional payload.
var commandForm = regexp.MustCompile(`^\s*(?:hats|ralph)\s+emit\s+"([^"]*)"(?:\s+"([^"]*)")?\s*$`)

// Scan recognizes zero or more Emit events on a single line. A line
// may match at most one of the two accepted shapes.
func Scan(line string) []Emit {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}

	if m := commandForm.FindStringSubmatch(trimmed); m != nil {
		return []Emit{{Topic: m[1], Payload: m[2]}}
	}

	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		if !gjson.Valid(trimmed) {
			return nil
		}
		event := gjson.Get(trimmed, "event")
		if !event.Exists() || event.String() == "" {
			return nil
		}
		payload := gjson.Get(trimmed, "payload")
		return []Emit{{Topic: event.String(), Payload: payload.String()}}
	}

	return nil
}
