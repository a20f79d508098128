package stream

import "testing"

func TestParseAllTextFormatYieldsTextTokens(t *testing.T) {
	p := NewParser("text", "")
	tokens := p.ParseAll("hello\nworld\n")

	var texts []string
	for _, tok := range tokens {
		if tok.Kind == TokenText {
			texts = append(texts, tok.Text)
		}
	}
	if len(texts) != 2 || texts[0] != "hello" || texts[1] != "world" {
		t.Fatalf("unexpected text tokens: %+v", texts)
	}
}

func TestParseAllTextFormatSkipsBlankLines(t *testing.T) {
	p := NewParser("text", "")
	tokens := p.ParseAll("one\n\ntwo\n")

	count := 0
	for _, tok := range tokens {
		if tok.Kind == TokenText {
			count++
		}
	}
	if count != 2 {
		t.Fatalf("expected 2 text tokens, got %d", count)
	}
}

func TestParseAllRecognizesEventEmitAlongsideText(t *testing.T) {
	p := NewParser("text", "")
	tokens := p.ParseAll(`hats emit "build.done" "artifact-1"` + "\n")

	var emit, text bool
	for _, tok := range tokens {
		switch tok.Kind {
		case TokenEventEmit:
			emit = true
			if tok.EventTopic != "build.done" || tok.EventPayload != "artifact-1" {
				t.Fatalf("unexpected emit token: %+v", tok)
			}
		case TokenText:
			text = true
		}
	}
	if !emit || !text {
		t.Fatalf("expected both an emit token and a text token, got %+v", tokens)
	}
}

func TestParseAllDetectsCompletionMarker(t *testing.T) {
	p := NewParser("text", "LOOP_COMPLETE")
	tokens := p.ParseAll("all done\nLOOP_COMPLETE\n")

	found := false
	for _, tok := range tokens {
		if tok.Kind == TokenCompletion {
			found = true
			if tok.CompletionReason != "LOOP_COMPLETE" {
				t.Fatalf("unexpected completion reason: %q", tok.CompletionReason)
			}
		}
	}
	if !found {
		t.Fatal("expected a completion token")
	}
}

func TestParseAllJSONFormatRecognizesToolCalls(t *testing.T) {
	p := NewParser("stream-json", "")
	tokens := p.ParseAll(`{"type": "tool_use", "tool": "grep", "args": "foo"}` + "\n")

	found := false
	for _, tok := range tokens {
		if tok.Kind == TokenToolCall {
			found = true
			if tok.ToolName != "grep" || tok.ToolArguments != "foo" {
				t.Fatalf("unexpected tool call token: %+v", tok)
			}
		}
	}
	if !found {
		t.Fatal("expected a tool call token")
	}
}

func TestParseAllJSONFormatRecordsMalformedLines(t *testing.T) {
	p := NewParser("ndjson", "")
	p.ParseAll("not json\n")

	malformed := p.Malformed()
	if len(malformed) != 1 {
		t.Fatalf("expected 1 malformed record, got %d", len(malformed))
	}
	if malformed[0].Line != "not json" {
		t.Fatalf("unexpected malformed line: %q", malformed[0].Line)
	}
}

func TestParseAllJSONFormatYieldsTextForContentField(t *testing.T) {
	p := NewParser("stream-json", "")
	tokens := p.ParseAll(`{"type": "text", "content": "thinking..."}` + "\n")

	found := false
	for _, tok := range tokens {
		if tok.Kind == TokenText && tok.Text == "thinking..." {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a text token carrying the content field, got %+v", tokens)
	}
}
