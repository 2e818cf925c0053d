// File path: internal/rollout/types.go
package rollout

import "time"

// ConversationRecord is the normalised view of one rollout transcript.
type ConversationRecord struct {
	SessionMeta     map[string]any    `json:"session_meta,omitempty"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	EndedAt         *time.Time        `json:"ended_at,omitempty"`
	DurationSeconds *int64            `json:"duration_seconds,omitempty"`
	TokenUsage      TokenUsageSummary `json:"token_usage"`
	Turns           []Turn            `json:"turns"`
}

// Turn is one user-interaction round within a conversation.
type Turn struct {
	Index      int            `json:"index"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	Context    *TurnContext   `json:"context,omitempty"`
	UserInputs []UserInput    `json:"user_inputs"`
	Result     TurnResult     `json:"result"`
	Actions    []ActionRecord `json:"actions"`
	Telemetry  TurnTelemetry  `json:"telemetry"`
}

// TurnContext is the immutable per-turn configuration snapshot carried by a
// turn_context record.
type TurnContext struct {
	Raw                  map[string]any `json:"raw"`
	Cwd                  string         `json:"cwd,omitempty"`
	ApprovalPolicy       string         `json:"approval_policy,omitempty"`
	SandboxMode          string         `json:"sandbox_mode,omitempty"`
	SandboxNetworkAccess *bool          `json:"sandbox_network_access,omitempty"`
	Model                string         `json:"model,omitempty"`
	Effort               string         `json:"effort,omitempty"`
	SummaryStyle         string         `json:"summary_style,omitempty"`
}

// UserInput holds one user message payload plus the text and image references
// extracted from it. An empty Text means no text fragments were present.
type UserInput struct {
	Raw    map[string]any `json:"raw"`
	Text   string         `json:"text,omitempty"`
	Images []string       `json:"images,omitempty"`
}

// TurnResult aggregates the assistant-side output of a turn.
type TurnResult struct {
	AssistantMessages  []string         `json:"assistant_messages"`
	Fallback           *FallbackSummary `json:"fallback,omitempty"`
	ReasoningSummaries []string         `json:"reasoning_summaries"`
	ReasoningEncrypted bool             `json:"reasoning_encrypted"`
}

// FallbackSource identifies which category of text substituted for a missing
// assistant message.
type FallbackSource string

const (
	FallbackReasoning   FallbackSource = "reasoning"
	FallbackToolOutput  FallbackSource = "tool"
	FallbackEventStream FallbackSource = "event"
)

// FallbackSummary is the substitute answer for a turn without assistant text.
type FallbackSummary struct {
	Source FallbackSource `json:"source"`
	Text   string         `json:"text"`
}

// ActionType discriminates the closed set of action kinds.
type ActionType string

const (
	ActionFunctionCall ActionType = "function_call"
	ActionCustomTool   ActionType = "custom_tool_call"
	ActionLocalShell   ActionType = "local_shell_exec"
	ActionWebSearch    ActionType = "web_search"
	ActionOther        ActionType = "other"
)

// ActionKind is a tagged variant: Type selects which of the remaining fields
// are meaningful. Adding a kind means adding a constant and one classification
// branch in the parser.
type ActionKind struct {
	Type      ActionType `json:"type"`
	Name      string     `json:"name,omitempty"`
	Command   []string   `json:"command,omitempty"`
	Workdir   string     `json:"workdir,omitempty"`
	TimeoutMs *int64     `json:"timeout_ms,omitempty"`
	Escalated *bool      `json:"escalated,omitempty"`
	Query     string     `json:"query,omitempty"`
	Label     string     `json:"label,omitempty"`
}

// ActionOutput is the eventual result payload of an action.
type ActionOutput struct {
	Content string `json:"content,omitempty"`
	Success *bool  `json:"success,omitempty"`
	Raw     any    `json:"raw,omitempty"`
}

// ActionStatus keeps the two independent status channels separate: explicit
// status payload fields versus local process lifecycle events.
type ActionStatus struct {
	StatusText  string `json:"status_text,omitempty"`
	LocalStatus string `json:"local_status,omitempty"`
}

// ActionEvent is one raw sub-event correlated to an action by call id.
type ActionEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data"`
}

// ActionRecord is one tool or function invocation assembled from one or more
// raw events. CallID is empty for actions that never exposed one.
type ActionRecord struct {
	CallID    string        `json:"call_id,omitempty"`
	Kind      ActionKind    `json:"kind"`
	Arguments any           `json:"arguments,omitempty"`
	Output    *ActionOutput `json:"output,omitempty"`
	Status    ActionStatus  `json:"status"`
	Events    []ActionEvent `json:"events"`
}

// TimedPayload is a raw telemetry payload with the timestamp it arrived at.
type TimedPayload struct {
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// TurnTelemetry buckets the telemetry events attributed to a turn.
type TurnTelemetry struct {
	TokenCounts []TimedPayload `json:"token_counts"`
	PlanUpdates []TimedPayload `json:"plan_updates"`
	Approvals   []TimedPayload `json:"approvals"`
	MiscEvents  []TimedPayload `json:"misc_events"`
}

// TokenUsageSummary is conversation-scoped running token-usage state.
type TokenUsageSummary struct {
	Total              *TokenUsageBreakdown `json:"total,omitempty"`
	Last               *TokenUsageBreakdown `json:"last,omitempty"`
	ModelContextWindow *int64               `json:"model_context_window,omitempty"`
}

// TokenUsageBreakdown mirrors the usage snapshot carried by token_count events.
type TokenUsageBreakdown struct {
	InputTokens           *int64 `json:"input_tokens,omitempty"`
	CachedInputTokens     *int64 `json:"cached_input_tokens,omitempty"`
	OutputTokens          *int64 `json:"output_tokens,omitempty"`
	ReasoningOutputTokens *int64 `json:"reasoning_output_tokens,omitempty"`
	TotalTokens           *int64 `json:"total_tokens,omitempty"`
}
