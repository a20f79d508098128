// Package stream parses backend output incrementally into a uniform
// token stream (spec.md §4.H): Text, ToolCall, ToolResult, EventEmit,
// and Completion. Parsers never block and never fail the iteration —
// malformed records are skipped and recorded for diagnostics.
package stream

import (
	"bufio"
	"encoding/json"
	"strings"

	"github.com/hats-run/hats/internal/eventparser"
)

// TokenKind identifies which uniform token a Token carries.
type TokenKind int

const (
	TokenText TokenKind = iota
	TokenToolCall
	TokenToolResult
	TokenEventEmit
	TokenCompletion
)

// Token is one uniform stream item. Only the fields relevant to Kind
// are populated.
type Token struct {
	Kind          TokenKind
	Text          string
	ToolName      string
	ToolArguments string
	ToolResult    string
	EventTopic    string
	EventPayload  string
	CompletionReason string
}

// MalformedRecord is recorded (not returned as an error) when a line
// cannot be parsed in the expected wire format.
type MalformedRecord struct {
	Line string
	Err  error
}

// Parser consumes bytes incrementally for one backend output format
// and yields uniform tokens plus any malformed records it skipped.
type Parser struct {
	format           string
	completionMarker string
	malformed        []MalformedRecord
}

// NewParser returns a Parser for the given backend output format
// ("stream-json", "ndjson", or "text") and completion marker string.
func NewParser(format, completionMarker string) *Parser {
	return &Parser{format: format, completionMarker: completionMarker}
}

// Malformed returns every malformed record recorded during ParseAll.
func (p *Parser) Malformed() []MalformedRecord {
	return p.malformed
}

// ParseAll scans the full output (it is not re-entrant across chunks;
// backend.Run always returns the complete buffered output rather than
// a live stream, so one-shot scanning is sufficient here) and returns
// the uniform token sequence.
func (p *Parser) ParseAll(output string) []Token {
	switch p.format {
	case "stream-json", "ndjson":
		return p.parseJSONLines(output)
	default:
		return p.parseText(output)
	}
}

func (p *Parser) parseJSONLines(output string) []Token {
	var tokens []Token
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		tokens = append(tokens, p.scanLineForEvents(line)...)

		var envelope struct {
			Type    string `json:"type"`
			Content string `json:"content"`
			Tool    string `json:"tool"`
			Args    string `json:"args"`
			Result  string `json:"result"`
		}
		if err := json.Unmarshal([]byte(line), &envelope); err != nil {
			p.malformed = append(p.malformed, MalformedRecord{Line: line, Err: err})
			continue
		}

		switch envelope.Type {
		case "tool_use":
			tokens = append(tokens, Token{Kind: TokenToolCall, ToolName: envelope.Tool, ToolArguments: envelope.Args})
		case "tool_result":
			tokens = append(tokens, Token{Kind: TokenToolResult, ToolName: envelope.Tool, ToolResult: envelope.Result})
		default:
			if envelope.Content != "" {
				tokens = append(tokens, Token{Kind: TokenText, Text: envelope.Content})
			}
		}
	}

	if p.completionMarker != "" && strings.Contains(output, p.completionMarker) {
		tokens = append(tokens, Token{Kind: TokenCompletion, CompletionReason: p.completionMarker})
	}

	return tokens
}

func (p *Parser) parseText(output string) []Token {
	var tokens []Token
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		tokens = append(tokens, p.scanLineForEvents(line)...)
		if strings.TrimSpace(line) != "" {
			tokens = append(tokens, Token{Kind: TokenText, Text: line})
		}
	}

	if p.completionMarker != "" && strings.Contains(output, p.completionMarker) {
		tokens = append(tokens, Token{Kind: TokenCompletion, CompletionReason: p.completionMarker})
	}

	return tokens
}

// scanLineForEvents recognizes emit syntax without consuming the line
// — eventparser recognition is lossless, so the caller also emits the
// line as Text.
func (p *Parser) scanLineForEvents(line string) []Token {
	var tokens []Token
	for _, emit := range eventparser.Scan(line) {
		tokens = append(tokens, Token{Kind: TokenEventEmit, EventTopic: emit.Topic, EventPayload: emit.Payload})
	}
	return tokens
}
