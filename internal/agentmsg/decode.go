package agentmsg

import (
	"encoding/json"
	"fmt"
)

// wireRecord mirrors Claude Code's `--output-format stream-json` wire
// schema, the provider convention this package's Claude backing grounds
// on (other providers are expected to emit the same tagged shape, per
// the package doc comment's "normalizes a provider-native agent message
// stream" contract).
type wireRecord struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// system.init
	SessionID string   `json:"session_id,omitempty"`
	Tools     []string `json:"tools,omitempty"`
	Cwd       string   `json:"cwd,omitempty"`
	Model     string   `json:"model,omitempty"`

	// assistant / user
	Message *wireMessage `json:"message,omitempty"`

	// result
	Result        string  `json:"result,omitempty"`
	TotalCostUSD  float64 `json:"total_cost_usd,omitempty"`
	DurationMs    int64   `json:"duration_ms,omitempty"`
	IsError       bool    `json:"is_error,omitempty"`

	// control_request
	RequestID string          `json:"request_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
}

type wireMessage struct {
	ID      string           `json:"id,omitempty"`
	Content []wireContentBlock `json:"content"`
}

type wireContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"` // tool_use block id
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"` // tool_result text
}

// DecodeRecord parses one line of provider stream-json output into a
// CLIMessage. Unrecognized "type" values decode to a zero-Tag message so
// callers can skip them rather than fail the whole stream.
func DecodeRecord(line []byte) (CLIMessage, error) {
	var rec wireRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return CLIMessage{}, fmt.Errorf("decoding agent record: %w", err)
	}

	switch rec.Type {
	case "system":
		return CLIMessage{
			Tag:       TagSystemInit,
			SessionID: rec.SessionID,
			Tools:     rec.Tools,
			Cwd:       rec.Cwd,
			Model:     rec.Model,
		}, nil
	case "assistant":
		msg := CLIMessage{Tag: TagAssistant, Model: rec.Model}
		if rec.Message != nil {
			msg.CLIMessageID = rec.Message.ID
			for _, b := range rec.Message.Content {
				switch b.Type {
				case "text":
					msg.Blocks = append(msg.Blocks, ContentBlock{BlockID: rec.Message.ID, Type: "text", Text: b.Text})
				case "tool_use":
					msg.Blocks = append(msg.Blocks, ContentBlock{BlockID: b.ID, Type: "tool_use", ToolName: b.Name, ToolInput: b.Input})
				}
			}
		}
		return msg, nil
	case "user":
		msg := CLIMessage{Tag: TagUser}
		if rec.Message != nil {
			msg.CLIMessageID = rec.Message.ID
			for _, b := range rec.Message.Content {
				if b.Type == "tool_result" {
					msg.ToolResults = append(msg.ToolResults, ToolResultBlock{ToolUseID: b.ToolUseID, Output: b.Content})
				}
			}
		}
		return msg, nil
	case "result":
		subtype := rec.Subtype
		if subtype == "" {
			if rec.IsError {
				subtype = "error_during_execution"
			} else {
				subtype = "success"
			}
		}
		return CLIMessage{
			Tag:           TagResult,
			ResultSubtype: subtype,
			ResultText:    rec.Result,
			Cost:          rec.TotalCostUSD,
			DurationMs:    rec.DurationMs,
		}, nil
	case "control_request":
		return CLIMessage{
			Tag:              TagControlRequest,
			ControlRequestID: rec.RequestID,
			ControlToolName:  rec.ToolName,
			ControlInput:     rec.Input,
		}, nil
	default:
		return CLIMessage{}, nil
	}
}
