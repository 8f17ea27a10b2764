// Package agentmsg normalizes a provider-native agent message stream
// (Claude SDK / Codex / Gemini) into a common internal form, updates the
// persistent transcript, and deduplicates on resume. Grounded on
// maruel/caic's internal/agent package family: the Backend capability
// set in backend.go ({start, kill, onMessage/Message-channel}) and the
// tagged-variant JSONL decode dispatch in claude/reader.go
// (ReadRecords/DecodeRecord), generalized from a single-provider Record
// type to the spec's CLIMessage variant set.
package agentmsg

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Tag identifies which CLIMessage variant a message carries.
type Tag string

const (
	TagSystemInit     Tag = "system.init"
	TagAssistant      Tag = "assistant"
	TagUser           Tag = "user"
	TagResult         Tag = "result"
	TagControlRequest Tag = "control_request"
)

// ContentBlock is one block of an assistant message: text or a tool use.
type ContentBlock struct {
	BlockID   string          `json:"block_id"`
	Type      string          `json:"type"` // "text" | "tool_use"
	Text      string          `json:"text,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
}

// ToolResultBlock is one block of a "user" (tool result) message.
type ToolResultBlock struct {
	ToolUseID string `json:"tool_use_id"`
	Output    string `json:"output"`
}

// CLIMessage is the provider-agnostic tagged variant the Message
// Handler operates over.
type CLIMessage struct {
	Tag             Tag
	CLIMessageID    string
	SessionID       string // system.init
	Tools           []string
	Cwd             string
	Model           string
	Blocks          []ContentBlock    // assistant
	ToolResults     []ToolResultBlock // user
	ResultSubtype   string            // result: "success" | "error_*"
	ResultText      string
	Cost            float64
	DurationMs      int64
	ControlRequestID string // control_request
	ControlToolName  string // "AskUserQuestion" | "ExitPlanMode" | other
	ControlInput     json.RawMessage
}

// ThreadStore is the persistence + status surface the handler needs.
// internal/threads.Store implements it; kept as a narrow interface here
// to avoid a package cycle (threads never imports agentmsg).
type ThreadStore interface {
	SetSessionID(threadID, sessionID string) error
	InsertMessage(threadID, role, content string) (messageID string, err error)
	AppendMessageContent(messageID, text string) error
	FindToolCall(parentMessageID, name string, input json.RawMessage) (toolCallID string, found bool, err error)
	InsertToolCall(messageID, name string, input json.RawMessage) (toolCallID string, err error)
	SetToolCallOutput(toolCallID, output string) error
	SetThreadStatus(threadID, status string) error
	SetThreadStage(threadID, stage string) error
	AddCost(threadID string, cost float64) error
	AdvanceStage(threadID string) error
}

// Emitter publishes normalized agent:* events for WS/SSE delivery.
type Emitter interface {
	Emit(threadID, eventType string, data any)
}

// Handler processes a single thread's message stream. One Handler
// instance is owned per active thread run by the Orchestrator; it holds
// no back-pointer to the Orchestrator (spec §9: cyclic references broken
// by one-directional ownership).
type Handler struct {
	threadID string
	store    ThreadStore
	emitter  Emitter

	cliToDBMessageID   map[string]string
	currentAssistantID string
	toolUseIDToCallID  map[string]string
	toolUseIDToName    map[string]string

	heldControlRequest   *CLIMessage
	lastResultSeen       bool
	lastSeenToolName     string
	permissionDenied     bool
	permissionDeniedTool string
}

func NewHandler(threadID string, store ThreadStore, emitter Emitter) *Handler {
	return &Handler{
		threadID:          threadID,
		store:             store,
		emitter:           emitter,
		cliToDBMessageID:  make(map[string]string),
		toolUseIDToCallID: make(map[string]string),
		toolUseIDToName:   make(map[string]string),
	}
}

// HeldControlRequest returns the currently held request, if any, awaiting
// the next user message — used by the Orchestrator's resume logic.
func (h *Handler) HeldControlRequest() *CLIMessage {
	return h.heldControlRequest
}

// Handle dispatches msg by its Tag. Unicode \uXXXX escapes are decoded on
// every text surface before it reaches the store, per the spec.
func (h *Handler) Handle(msg CLIMessage) error {
	switch msg.Tag {
	case TagSystemInit:
		return h.handleSystemInit(msg)
	case TagAssistant:
		return h.handleAssistant(msg)
	case TagUser:
		return h.handleUser(msg)
	case TagResult:
		return h.handleResult(msg)
	case TagControlRequest:
		return h.handleControlRequest(msg)
	}
	return nil
}

func (h *Handler) handleSystemInit(msg CLIMessage) error {
	if err := h.store.SetSessionID(h.threadID, msg.SessionID); err != nil {
		return err
	}
	if err := h.store.SetThreadStatus(h.threadID, "running"); err != nil {
		return err
	}
	h.emitter.Emit(h.threadID, "agent:init", map[string]any{
		"tools": msg.Tools, "cwd": msg.Cwd, "model": msg.Model,
	})
	return nil
}

func (h *Handler) handleAssistant(msg CLIMessage) error {
	for _, block := range msg.Blocks {
		switch block.Type {
		case "text":
			if err := h.handleTextBlock(msg.CLIMessageID, decodeUnicodeEscapes(block.Text)); err != nil {
				return err
			}
		case "tool_use":
			if err := h.handleToolUseBlock(msg.CLIMessageID, block); err != nil {
				return err
			}
		}
	}
	h.emitter.Emit(h.threadID, "agent:message", map[string]any{"cli_message_id": msg.CLIMessageID})
	return nil
}

func (h *Handler) handleTextBlock(cliMessageID, text string) error {
	dbID, seen := h.cliToDBMessageID[cliMessageID]
	if !seen {
		id, err := h.store.InsertMessage(h.threadID, "assistant", text)
		if err != nil {
			return err
		}
		h.cliToDBMessageID[cliMessageID] = id
		h.currentAssistantID = id
		return nil
	}
	// Cumulative update of the same CLI message id: providers stream
	// growing text for one turn, so append rather than re-insert.
	h.currentAssistantID = dbID
	return h.store.AppendMessageContent(dbID, text)
}

func (h *Handler) handleToolUseBlock(cliMessageID string, block ContentBlock) error {
	if h.currentAssistantID == "" {
		id, err := h.store.InsertMessage(h.threadID, "assistant", "")
		if err != nil {
			return err
		}
		h.cliToDBMessageID[cliMessageID] = id
		h.currentAssistantID = id
	}

	// Dedup by block id first (same-stream re-emission as content grows),
	// then by a DB query on (parentMessageId, name, input) to survive
	// resume, which re-streams already-persisted tool uses.
	if _, ok := h.toolUseIDToCallID[block.BlockID]; ok {
		return nil
	}
	if callID, found, err := h.store.FindToolCall(h.currentAssistantID, block.ToolName, block.ToolInput); err != nil {
		return err
	} else if found {
		h.toolUseIDToCallID[block.BlockID] = callID
		h.toolUseIDToName[block.BlockID] = block.ToolName
		return nil
	}

	callID, err := h.store.InsertToolCall(h.currentAssistantID, block.ToolName, block.ToolInput)
	if err != nil {
		return err
	}
	h.toolUseIDToCallID[block.BlockID] = callID
	h.toolUseIDToName[block.BlockID] = block.ToolName
	h.lastSeenToolName = block.ToolName
	h.emitter.Emit(h.threadID, "agent:tool_call", map[string]any{"name": block.ToolName, "input": block.ToolInput})
	return nil
}

func (h *Handler) handleUser(msg CLIMessage) error {
	for _, tr := range msg.ToolResults {
		callID, ok := h.toolUseIDToCallID[tr.ToolUseID]
		if !ok {
			continue // result for a tool use this handler never saw; ignore
		}
		output := decodeUnicodeEscapes(tr.Output)
		if strings.Contains(strings.ToLower(output), "permission denied") {
			h.permissionDenied = true
			h.permissionDeniedTool = h.toolUseIDToName[tr.ToolUseID]
		}
		if err := h.store.SetToolCallOutput(callID, output); err != nil {
			return err
		}
		h.emitter.Emit(h.threadID, "agent:tool_output", map[string]any{"tool_call_id": callID, "output": output})
	}
	return nil
}

// AskUserQuestion and ExitPlanMode are the two tool names whose
// control_request must be held until the next user message.
const (
	toolAskUserQuestion = "AskUserQuestion"
	toolExitPlanMode    = "ExitPlanMode"
)

func (h *Handler) handleControlRequest(msg CLIMessage) error {
	if msg.ControlToolName != toolAskUserQuestion && msg.ControlToolName != toolExitPlanMode {
		// hook_callback for tool_approval: always allow.
		return nil
	}
	h.heldControlRequest = &msg
	return h.store.SetThreadStatus(h.threadID, "waiting")
}

// ResolveHeldControlRequest is called when the next user message arrives
// while a control_request is held: the user's reply is set as the
// "result" field of the returned request's ControlInput, and the hold is
// cleared.
func (h *Handler) ResolveHeldControlRequest(userReply string) (resolved *CLIMessage, ok bool) {
	if h.heldControlRequest == nil {
		return nil, false
	}
	held := *h.heldControlRequest
	h.heldControlRequest = nil
	input := map[string]any{}
	if len(held.ControlInput) > 0 {
		_ = json.Unmarshal(held.ControlInput, &input)
	}
	input["result"] = userReply
	if updated, err := json.Marshal(input); err == nil {
		held.ControlInput = updated
	}
	return &held, true
}

// resultStatus classifies the terminal status a "result" message should
// produce, honoring the waiting/question, waiting/plan, and
// waiting/permission special cases named in the spec.
func (h *Handler) resultStatus(msg CLIMessage, lastToolName string, permissionDenied bool) (status, waitingReason string) {
	switch {
	case lastToolName == toolAskUserQuestion:
		return "waiting", "question"
	case lastToolName == toolExitPlanMode:
		return "waiting", "plan"
	case permissionDenied:
		return "waiting", "permission"
	case msg.ResultSubtype == "success":
		return "completed", ""
	default:
		return "failed", ""
	}
}

func (h *Handler) handleResult(msg CLIMessage) error {
	// "first-seen wins" — invariant 10: exactly one terminal result
	// record even if the provider emits the result message multiple times.
	if h.lastResultSeen {
		return nil
	}
	h.lastResultSeen = true

	lastTool := h.lastToolUseName()
	status, waitingReason := h.resultStatus(msg, lastTool, h.permissionDenied)

	if err := h.store.SetThreadStatus(h.threadID, status); err != nil {
		return err
	}
	if err := h.store.AddCost(h.threadID, msg.Cost); err != nil {
		return err
	}
	if status == "completed" || status == "failed" {
		if err := h.store.AdvanceStage(h.threadID); err != nil {
			return err
		}
	}

	data := map[string]any{
		"status":      status,
		"cost":        msg.Cost,
		"duration_ms": msg.DurationMs,
	}
	if waitingReason != "" {
		data["waiting_reason"] = waitingReason
	}
	if waitingReason == "permission" {
		data["permissionRequest"] = map[string]any{"toolName": h.permissionDeniedTool}
	}
	h.emitter.Emit(h.threadID, "agent:result", data)
	return nil
}

// lastToolUseName returns the tool name of the most recently seen
// tool_use block, used to classify the terminal result status.
func (h *Handler) lastToolUseName() string {
	return h.lastSeenToolName
}

// decodeUnicodeEscapes decodes literal \uXXXX sequences some providers
// emit in text surfaces (message content, tool outputs, result text).
func decodeUnicodeEscapes(s string) string {
	if !strings.Contains(s, `\u`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); {
		if i+5 < len(s) && s[i] == '\\' && s[i+1] == 'u' {
			if code, err := strconv.ParseInt(s[i+2:i+6], 16, 32); err == nil {
				b.WriteRune(rune(code))
				i += 6
				continue
			}
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}
