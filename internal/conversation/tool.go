package conversation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ToolCall is a participant's request to run a tool. Arguments hold a JSON
// value; on the wire they travel as a string.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

type toolCallWire struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	} `json:"function"`
}

func (c ToolCall) MarshalJSON() ([]byte, error) {
	var w toolCallWire
	w.ID = c.ID
	w.Type = "function"
	w.Function.Name = c.Name
	args := c.Arguments
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}
	s, err := json.Marshal(string(args))
	if err != nil {
		return nil, err
	}
	w.Function.Arguments = s
	return json.Marshal(w)
}

// UnmarshalJSON accepts arguments either as a JSON-encoded string or as a
// plain JSON value.
func (c *ToolCall) UnmarshalJSON(data []byte) error {
	var w toolCallWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	args := bytes.TrimSpace(w.Function.Arguments)
	if len(args) > 0 && args[0] == '"' {
		var s string
		if err := json.Unmarshal(args, &s); err != nil {
			return fmt.Errorf("tool call %s arguments: %w", w.ID, err)
		}
		args = []byte(s)
		if len(bytes.TrimSpace(args)) > 0 && !json.Valid(args) {
			return fmt.Errorf("tool call %s arguments are not valid JSON", w.ID)
		}
	}
	c.ID = w.ID
	c.Name = w.Function.Name
	c.Arguments = json.RawMessage(append([]byte(nil), args...))
	return nil
}

// ToolError is the structured failure of a tool call.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ToolResult struct {
	ToolCall      ToolCall        `json:"toolCall"`
	Success       bool            `json:"success"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         *ToolError      `json:"error,omitempty"`
	ExecutionTime time.Duration   `json:"executionTimeMs"`
	CreditsUsed   int64           `json:"creditsUsed"`
}

func (r ToolResult) MarshalJSON() ([]byte, error) {
	type alias ToolResult
	a := alias(r)
	a.ExecutionTime = r.ExecutionTime / time.Millisecond
	return json.Marshal(a)
}

func (r *ToolResult) UnmarshalJSON(data []byte) error {
	type alias ToolResult
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	a.ExecutionTime *= time.Millisecond
	*r = ToolResult(a)
	return nil
}

// FailedTool builds a failed result for call.
func FailedTool(call ToolCall, code, message string) ToolResult {
	return ToolResult{
		ToolCall: call,
		Success:  false,
		Error:    &ToolError{Code: code, Message: message},
	}
}
