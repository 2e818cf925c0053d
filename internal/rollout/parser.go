// File path: internal/rollout/parser.go
package rollout

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// ParseRollout scans a line-oriented stream of JSON records and produces one
// normalised ConversationRecord. The scan is strictly single-pass; all state
// lives in the conversation and turn builders. Lines are read without a
// length cap, matching the unbounded records real rollouts can carry.
func ParseRollout(r io.Reader) (*ConversationRecord, error) {
	builder := &conversationBuilder{}

	reader := bufio.NewReader(r)
	for {
		line, readErr := reader.ReadString('\n')
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			if err := parseLine(builder, trimmed); err != nil {
				return nil, err
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read rollout stream: %w", readErr)
		}
	}
	return builder.finalize(), nil
}

func parseLine(builder *conversationBuilder, line string) error {
	var value map[string]any
	if err := json.Unmarshal([]byte(line), &value); err != nil {
		return fmt.Errorf("decode rollout line: %w", err)
	}
	if stringField(value, "record_type") == "state" {
		return nil
	}

	timestamp, err := resolveTimestamp(builder, value)
	if err != nil {
		return err
	}

	itemType, ok := stringValue(value, "type")
	if !ok {
		if isLegacySessionMeta(value) {
			builder.sessionMeta = value
			return nil
		}
		return &MissingFieldError{Field: "type"}
	}

	switch itemType {
	case "session_meta":
		if payload := mapField(value, "payload"); payload != nil {
			builder.sessionMeta = payload
		} else {
			builder.sessionMeta = value
		}
	case "turn_context":
		if payload := mapField(value, "payload"); payload != nil {
			builder.startTurn(parseTurnContext(payload), timestamp)
		}
	case "response_item":
		if payload := mapField(value, "payload"); payload != nil {
			handleResponseItem(builder, timestamp, payload)
		}
	case "event_msg":
		if payload := mapField(value, "payload"); payload != nil {
			handleEvent(builder, timestamp, payload)
		}
	case "compacted":
		if payload := mapField(value, "payload"); payload != nil {
			handleCompacted(builder, timestamp, payload)
		}
	}
	return nil
}

// resolveTimestamp parses the record's own timestamp or inherits the most
// recently observed one. A record before any timestamp has been seen is
// rejected.
func resolveTimestamp(builder *conversationBuilder, value map[string]any) (time.Time, error) {
	if raw, ok := stringValue(value, "timestamp"); ok {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, &TimestampError{Value: raw, Err: err}
		}
		builder.observeTimestamp(parsed)
		return parsed, nil
	}
	if builder.lastTimestamp != nil {
		return *builder.lastTimestamp, nil
	}
	if builder.firstTimestamp != nil {
		return *builder.firstTimestamp, nil
	}
	return time.Time{}, &MissingFieldError{Field: "timestamp"}
}

// isLegacySessionMeta recognises the old metadata shape: an id and a timestamp
// with no type discriminator at all.
func isLegacySessionMeta(value map[string]any) bool {
	_, hasType := value["type"]
	_, hasRecordType := value["record_type"]
	_, hasID := value["id"]
	_, hasTimestamp := value["timestamp"]
	return !hasType && !hasRecordType && hasID && hasTimestamp
}

func parseTurnContext(raw map[string]any) TurnContext {
	ctx := TurnContext{
		Raw:            raw,
		Cwd:            stringField(raw, "cwd", "cwd_path"),
		ApprovalPolicy: stringField(raw, "approval_policy"),
		Model:          stringField(raw, "model"),
		Effort:         stringField(raw, "effort"),
		SummaryStyle:   stringField(raw, "summary"),
	}
	if policy := mapField(raw, "sandbox_policy"); policy != nil {
		ctx.SandboxMode = stringField(policy, "mode")
		ctx.SandboxNetworkAccess = boolField(policy, "network_access")
	}
	return ctx
}

func handleResponseItem(builder *conversationBuilder, ts time.Time, payload map[string]any) {
	turn := builder.ensureTurn(ts)
	turn.ensureStartedAt(ts)

	switch stringField(payload, "type") {
	case "message":
		handleMessage(turn, payload)
	case "reasoning":
		handleReasoning(turn, payload)
	case "function_call":
		handleFunctionCall(turn, ts, payload)
	case "function_call_output":
		handleFunctionOutput(turn, payload)
	case "custom_tool_call":
		handleCustomToolCall(turn, payload)
	case "custom_tool_call_output":
		handleCustomToolOutput(turn, payload)
	case "local_shell_call":
		handleLocalShellCall(turn, payload)
	case "web_search_call":
		handleWebSearchCall(turn, payload)
	}
}

func handleMessage(turn *turnBuilder, payload map[string]any) {
	role := stringField(payload, "role")
	content := arrayField(payload, "content")

	switch role {
	case "user":
		var parts []string
		var images []string
		for _, item := range content {
			fragment, ok := item.(map[string]any)
			if !ok {
				continue
			}
			switch stringField(fragment, "type") {
			case "input_text":
				if text, ok := stringValue(fragment, "text"); ok && text != "" {
					parts = append(parts, text)
				}
			case "input_image":
				if url, ok := stringValue(fragment, "image_url"); ok {
					images = append(images, url)
				}
			}
		}
		// Appended even when both text and images are empty so positions are
		// preserved.
		turn.pushUserInput(UserInput{
			Raw:    payload,
			Text:   strings.Join(parts, ""),
			Images: images,
		})
	case "assistant":
		var parts []string
		for _, item := range content {
			fragment, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := stringValue(fragment, "text"); ok {
				parts = append(parts, text)
			} else if text, ok := stringValue(fragment, "content"); ok {
				parts = append(parts, text)
			}
		}
		if joined := strings.Join(parts, ""); joined != "" {
			turn.pushAssistantMessage(joined)
		}
	}
}

func handleReasoning(turn *turnBuilder, payload map[string]any) {
	for _, item := range arrayField(payload, "summary") {
		fragment, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := stringValue(fragment, "text"); ok && text != "" {
			turn.pushReasoningSummary(text)
		}
	}
	if _, ok := payload["content"]; ok {
		turn.markReasoningEncrypted()
	}
}

func handleFunctionCall(turn *turnBuilder, ts time.Time, payload map[string]any) {
	name, hasName := stringValue(payload, "name")
	callID := stringField(payload, "call_id")
	arguments := parseJSONString(stringField(payload, "arguments"))

	ab := turn.action(callID)
	if hasName && (name == "shell" || name == "container.exec") {
		argsMap, _ := arguments.(map[string]any)
		kind := ActionKind{
			Type:      ActionLocalShell,
			Command:   stringSlice(arrayField(argsMap, "command")),
			Workdir:   stringField(argsMap, "workdir", "working_directory"),
			TimeoutMs: intField(argsMap, "timeout_ms", "timeout"),
			Escalated: boolField(argsMap, "with_escalated_permissions"),
		}
		ab.setKind(kind)
	} else {
		ab.setKind(ActionKind{Type: ActionFunctionCall, Name: name})
	}
	ab.setArguments(arguments)
	ab.pushEvent(ts, "function_call", payload)
}

func handleFunctionOutput(turn *turnBuilder, payload map[string]any) {
	callID := stringField(payload, "call_id")
	outputStr := stringField(payload, "output")

	raw := parseJSONString(outputStr)
	if raw == nil {
		raw = map[string]any{"content": outputStr}
	}
	content := outputStr
	if rawMap, ok := raw.(map[string]any); ok {
		if text, ok := stringValue(rawMap, "content"); ok {
			content = text
		}
	}

	ab := turn.action(callID)
	output := ActionOutput{Content: content, Raw: raw}
	if rawMap, ok := raw.(map[string]any); ok {
		output.Success = boolField(rawMap, "success")
	}
	ab.setOutput(output)
	turn.recordToolOutputText(content)
}

func handleCustomToolCall(turn *turnBuilder, payload map[string]any) {
	ab := turn.action(stringField(payload, "call_id"))
	ab.setKind(ActionKind{Type: ActionCustomTool, Name: stringField(payload, "name")})
	ab.setArguments(parseJSONString(stringField(payload, "input")))
	ab.updateStatusText(stringField(payload, "status"))
}

func handleCustomToolOutput(turn *turnBuilder, payload map[string]any) {
	output := stringField(payload, "output")
	ab := turn.action(stringField(payload, "call_id"))
	ab.setOutput(ActionOutput{Content: output, Raw: output})
	turn.recordToolOutputText(output)
}

func handleLocalShellCall(turn *turnBuilder, payload map[string]any) {
	status := stringField(payload, "status")
	action := mapField(payload, "action")

	ab := turn.action(stringField(payload, "call_id"))
	ab.setKind(ActionKind{
		Type:      ActionLocalShell,
		Command:   stringSlice(arrayField(action, "command")),
		Workdir:   stringField(action, "working_directory", "workdir"),
		TimeoutMs: intField(action, "timeout_ms"),
		Escalated: boolField(action, "with_escalated_permissions"),
	})
	ab.updateStatusText(status)
	ab.updateLocalStatus(status)
	ab.setArguments(action)
}

func handleWebSearchCall(turn *turnBuilder, payload map[string]any) {
	action := mapField(payload, "action")
	ab := turn.action(stringField(payload, "call_id"))
	ab.setKind(ActionKind{Type: ActionWebSearch, Query: stringField(action, "query")})
	if action != nil {
		ab.setArguments(action)
	}
	ab.updateStatusText(stringField(payload, "status"))
}

func handleEvent(builder *conversationBuilder, ts time.Time, payload map[string]any) {
	eventType := stringField(payload, "type")

	// The token_count event also carries a conversation-scoped usage snapshot.
	var usageInfo map[string]any
	if eventType == "token_count" {
		usageInfo = mapField(payload, "info")
	}

	turn := builder.ensureTurn(ts)
	turn.ensureStartedAt(ts)

	switch eventType {
	case "agent_message":
		if message, ok := stringValue(payload, "message"); ok {
			turn.recordEventMessage(message)
		}
		turn.telemetry.MiscEvents = append(turn.telemetry.MiscEvents, TimedPayload{Timestamp: ts, Data: payload})
	case "agent_reasoning", "agent_reasoning_raw_content":
		if text, ok := stringValue(payload, "text"); ok {
			turn.recordEventMessage(text)
		}
		turn.telemetry.MiscEvents = append(turn.telemetry.MiscEvents, TimedPayload{Timestamp: ts, Data: payload})
	case "token_count":
		turn.telemetry.TokenCounts = append(turn.telemetry.TokenCounts, TimedPayload{Timestamp: ts, Data: payload})
	case "plan_update":
		turn.telemetry.PlanUpdates = append(turn.telemetry.PlanUpdates, TimedPayload{Timestamp: ts, Data: payload})
	case "exec_approval_request", "apply_patch_approval_request":
		turn.telemetry.Approvals = append(turn.telemetry.Approvals, TimedPayload{Timestamp: ts, Data: payload})
	case "exec_command_begin", "exec_command_end",
		"mcp_tool_call_begin", "mcp_tool_call_end",
		"web_search_begin", "web_search_end":
		ab := turn.action(stringField(payload, "call_id", "callId"))
		ab.pushEvent(ts, eventType, payload)
	default:
		turn.telemetry.MiscEvents = append(turn.telemetry.MiscEvents, TimedPayload{Timestamp: ts, Data: payload})
	}

	if usageInfo != nil {
		builder.updateTokenUsage(usageInfo)
	}
}

// handleCompacted folds a compaction summary into the turn as both assistant
// text and tool-output fallback.
func handleCompacted(builder *conversationBuilder, ts time.Time, payload map[string]any) {
	turn := builder.ensureTurn(ts)
	turn.ensureStartedAt(ts)
	if message, ok := stringValue(payload, "message"); ok {
		turn.pushAssistantMessage(message)
		turn.recordToolOutputText(message)
	}
}

// parseJSONString decodes an embedded JSON document, returning nil when the
// string is not valid JSON.
func parseJSONString(s string) any {
	if s == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return v
}
