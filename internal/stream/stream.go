// Package stream decodes the line-delimited JSON a worker subprocess writes
// on stdout when invoked with --output-format stream-json. Each line is one
// JSON object; the decoder turns lines into events carrying a short summary
// for the dashboard plus the raw payload for persistence.
package stream

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Event types emitted by the worker stream.
const (
	TypeAssistant  = "assistant"
	TypeToolUse    = "tool_use"
	TypeToolResult = "tool_result"
	TypeResult     = "result"
	TypeError      = "error"
	TypeSystem     = "system"
)

type Event struct {
	Type    string
	Summary string
	Raw     json.RawMessage
}

const summaryLimit = 200

// ParseLine decodes one stream line. Blank and non-JSON lines return nil;
// workers occasionally interleave plain text with the JSON stream and those
// lines carry nothing the supervisor needs.
func ParseLine(line string) *Event {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	var data map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &data); err != nil {
		return nil
	}

	raw := json.RawMessage(line)
	msgType := stringField(data, "type")
	if msgType == "" {
		msgType = "unknown"
	}

	switch msgType {
	case TypeAssistant:
		return &Event{Type: TypeAssistant, Summary: assistantSummary(data), Raw: raw}
	case TypeToolUse:
		return &Event{Type: TypeToolUse, Summary: toolUseSummary(data), Raw: raw}
	case TypeToolResult:
		return &Event{Type: TypeToolResult, Summary: "(tool result)", Raw: raw}
	case TypeResult:
		return &Event{Type: TypeResult, Summary: resultSummary(data), Raw: raw}
	case TypeError:
		return &Event{Type: TypeError, Summary: errorSummary(data), Raw: raw}
	default:
		return &Event{Type: msgType, Summary: truncate(line, summaryLimit), Raw: raw}
	}
}

func assistantSummary(data map[string]json.RawMessage) string {
	var message struct {
		Content []json.RawMessage `json:"content"`
	}
	if rawMsg, ok := data["message"]; ok {
		json.Unmarshal(rawMsg, &message)
	}

	var parts []string
	for _, block := range message.Content {
		var typed struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(block, &typed); err == nil && typed.Type == "text" {
			parts = append(parts, typed.Text)
			continue
		}
		var plain string
		if err := json.Unmarshal(block, &plain); err == nil {
			parts = append(parts, plain)
		}
	}

	text := truncate(strings.Join(parts, " "), summaryLimit)
	if text == "" {
		return "(thinking...)"
	}
	return text
}

func toolUseSummary(data map[string]json.RawMessage) string {
	name := stringField(data, "tool")
	if name == "" {
		name = stringField(data, "name")
	}
	if name == "" {
		name = "unknown"
	}

	var input map[string]json.RawMessage
	if rawInput, ok := data["input"]; ok {
		json.Unmarshal(rawInput, &input)
	}

	switch name {
	case "Bash":
		return "Bash: " + truncate(stringField(input, "command"), 100)
	case "Read", "Edit", "Write":
		path := stringField(input, "file_path")
		if path == "" {
			path = "?"
		}
		return name + ": " + path
	default:
		encoded, _ := json.Marshal(input)
		return name + ": " + truncate(string(encoded), 100)
	}
}

func resultSummary(data map[string]json.RawMessage) string {
	rawResult, ok := data["result"]
	if ok {
		var text string
		if err := json.Unmarshal(rawResult, &text); err == nil {
			if s := truncate(text, summaryLimit); s != "" {
				return s
			}
		} else if s := truncate(string(rawResult), summaryLimit); s != "" && s != "null" {
			return s
		}
	}
	return "Agent finished"
}

func errorSummary(data map[string]json.RawMessage) string {
	rawErr, ok := data["error"]
	if !ok {
		return ""
	}
	var structured struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rawErr, &structured); err == nil && structured.Message != "" {
		return truncate(structured.Message, summaryLimit)
	}
	var text string
	if err := json.Unmarshal(rawErr, &text); err == nil {
		return truncate(text, summaryLimit)
	}
	return truncate(string(rawErr), summaryLimit)
}

// CountTurns counts assistant events, the turn measure recorded per worker.
func CountTurns(events []Event) int {
	n := 0
	for _, e := range events {
		if e.Type == TypeAssistant {
			n++
		}
	}
	return n
}

var prPattern = regexp.MustCompile(`(?:pull/|PR #|pr #|pull request #?)(\d+)`)

// ExtractPRNumber scans events newest-first for a PR reference in the raw
// payload, such as the pull/123 URL printed by gh pr create. The last match
// within an event wins. Returns 0 when no reference is found.
func ExtractPRNumber(events []Event) int {
	for i := len(events) - 1; i >= 0; i-- {
		matches := prPattern.FindAllStringSubmatch(string(events[i].Raw), -1)
		if len(matches) > 0 {
			n, err := strconv.Atoi(matches[len(matches)-1][1])
			if err == nil {
				return n
			}
		}
	}
	return 0
}

// ExtractSessionID scans events oldest-first for the conversation session id,
// which later resumption passes to --resume. The first id found wins; all
// events of one stream carry the same session. The id appears at the top
// level of system and result messages and nested in assistant payloads.
func ExtractSessionID(events []Event) string {
	for _, ev := range events {
		var data map[string]json.RawMessage
		if err := json.Unmarshal(ev.Raw, &data); err != nil {
			continue
		}
		if id := sessionIDFrom(data); id != "" {
			return id
		}
		for _, nested := range []string{"message", "result", "metadata"} {
			rawNested, ok := data[nested]
			if !ok {
				continue
			}
			var inner map[string]json.RawMessage
			if err := json.Unmarshal(rawNested, &inner); err != nil {
				continue
			}
			if id := sessionIDFrom(inner); id != "" {
				return id
			}
		}
	}
	return ""
}

func sessionIDFrom(data map[string]json.RawMessage) string {
	if id := stringField(data, "session_id"); id != "" {
		return id
	}
	return stringField(data, "sessionId")
}

func stringField(data map[string]json.RawMessage, key string) string {
	raw, ok := data[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
