// File path: internal/rollout/builder.go
package rollout

import (
	"sort"
	"time"
)

// conversationBuilder accumulates state while scanning a rollout stream in a
// single pass. Turns are emitted through startTurn/finalize only.
type conversationBuilder struct {
	sessionMeta    map[string]any
	turns          []Turn
	current        *turnBuilder
	nextIndex      int
	firstTimestamp *time.Time
	lastTimestamp  *time.Time
	tokenUsage     TokenUsageSummary
}

func (b *conversationBuilder) observeTimestamp(ts time.Time) {
	if b.firstTimestamp == nil {
		first := ts
		b.firstTimestamp = &first
	}
	last := ts
	b.lastTimestamp = &last
}

func (b *conversationBuilder) updateTokenUsage(info map[string]any) {
	if total := mapField(info, "total_token_usage"); total != nil {
		usage := tokenBreakdown(total)
		b.tokenUsage.Total = &usage
	}
	if last := mapField(info, "last_token_usage"); last != nil {
		usage := tokenBreakdown(last)
		b.tokenUsage.Last = &usage
	}
	if window := intField(info, "model_context_window", "model_context_window_tokens"); window != nil {
		b.tokenUsage.ModelContextWindow = window
	}
}

// ensureTurn returns the open turn, creating an implicit one (no context) when
// no turn is open.
func (b *conversationBuilder) ensureTurn(ts time.Time) *turnBuilder {
	if b.current == nil {
		started := ts
		b.current = &turnBuilder{index: b.nextIndex, startedAt: &started}
		b.nextIndex++
	}
	return b.current
}

// startTurn closes the current turn (dropping it when empty) and opens a new
// one carrying the supplied context.
func (b *conversationBuilder) startTurn(context TurnContext, ts time.Time) *turnBuilder {
	b.closeCurrentTurn()
	started := ts
	b.current = &turnBuilder{index: b.nextIndex, startedAt: &started, context: &context}
	b.nextIndex++
	return b.current
}

func (b *conversationBuilder) closeCurrentTurn() {
	if b.current == nil {
		return
	}
	if !b.current.isEmpty() {
		b.turns = append(b.turns, b.current.finish())
	}
	b.current = nil
}

func (b *conversationBuilder) finalize() *ConversationRecord {
	b.closeCurrentTurn()

	var duration *int64
	if b.firstTimestamp != nil && b.lastTimestamp != nil {
		secs := int64(b.lastTimestamp.Sub(*b.firstTimestamp) / time.Second)
		if secs < 0 {
			secs = 0
		}
		duration = &secs
	}

	return &ConversationRecord{
		SessionMeta:     b.sessionMeta,
		StartedAt:       b.firstTimestamp,
		EndedAt:         b.lastTimestamp,
		DurationSeconds: duration,
		TokenUsage:      b.tokenUsage,
		Turns:           b.turns,
	}
}

type turnBuilder struct {
	index              int
	startedAt          *time.Time
	context            *TurnContext
	userInputs         []UserInput
	assistantMessages  []string
	reasoningSummaries []string
	reasoningEncrypted bool
	fallbackReasoning  *string
	fallbackToolOutput *string
	fallbackEvent      *string
	actions            map[string]*actionBuilder
	anonymousActions   []*actionBuilder
	telemetry          TurnTelemetry
}

func (t *turnBuilder) ensureStartedAt(ts time.Time) {
	if t.startedAt == nil {
		started := ts
		t.startedAt = &started
	}
}

func (t *turnBuilder) pushUserInput(input UserInput) {
	t.userInputs = append(t.userInputs, input)
}

func (t *turnBuilder) pushAssistantMessage(message string) {
	t.assistantMessages = append(t.assistantMessages, message)
}

// pushReasoningSummary records the summary fragment and makes it the current
// reasoning fallback candidate (last write wins).
func (t *turnBuilder) pushReasoningSummary(summary string) {
	t.reasoningSummaries = append(t.reasoningSummaries, summary)
	s := summary
	t.fallbackReasoning = &s
}

func (t *turnBuilder) markReasoningEncrypted() {
	t.reasoningEncrypted = true
}

func (t *turnBuilder) recordToolOutputText(text string) {
	s := text
	t.fallbackToolOutput = &s
}

func (t *turnBuilder) recordEventMessage(text string) {
	s := text
	t.fallbackEvent = &s
}

// action resolves the accumulating builder for a call id, or appends a fresh
// anonymous builder when the id is empty. Anonymous actions are never merged
// with each other.
func (t *turnBuilder) action(callID string) *actionBuilder {
	if callID != "" {
		if t.actions == nil {
			t.actions = make(map[string]*actionBuilder)
		}
		if existing, ok := t.actions[callID]; ok {
			return existing
		}
		ab := &actionBuilder{callID: callID}
		t.actions[callID] = ab
		return ab
	}
	ab := &actionBuilder{}
	t.anonymousActions = append(t.anonymousActions, ab)
	return ab
}

func (t *turnBuilder) isEmpty() bool {
	return len(t.userInputs) == 0 &&
		len(t.assistantMessages) == 0 &&
		len(t.actions) == 0 &&
		len(t.anonymousActions) == 0 &&
		len(t.reasoningSummaries) == 0 &&
		len(t.telemetry.TokenCounts) == 0
}

func (t *turnBuilder) finish() Turn {
	actions := make([]ActionRecord, 0, len(t.actions)+len(t.anonymousActions))
	for _, ab := range t.anonymousActions {
		actions = append(actions, ab.finish())
	}
	for _, ab := range t.actions {
		actions = append(actions, ab.finish())
	}
	// Deterministic order: id-less actions first (insertion order preserved),
	// keyed actions sorted by call id.
	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].CallID < actions[j].CallID
	})

	var fallback *FallbackSummary
	if len(t.assistantMessages) == 0 {
		switch {
		case t.fallbackReasoning != nil:
			fallback = &FallbackSummary{Source: FallbackReasoning, Text: *t.fallbackReasoning}
		case t.fallbackToolOutput != nil:
			fallback = &FallbackSummary{Source: FallbackToolOutput, Text: *t.fallbackToolOutput}
		case t.fallbackEvent != nil:
			fallback = &FallbackSummary{Source: FallbackEventStream, Text: *t.fallbackEvent}
		}
	}

	return Turn{
		Index:      t.index,
		StartedAt:  t.startedAt,
		Context:    t.context,
		UserInputs: t.userInputs,
		Result: TurnResult{
			AssistantMessages:  t.assistantMessages,
			Fallback:           fallback,
			ReasoningSummaries: t.reasoningSummaries,
			ReasoningEncrypted: t.reasoningEncrypted,
		},
		Actions:   actions,
		Telemetry: t.telemetry,
	}
}

type actionBuilder struct {
	callID    string
	kind      ActionKind
	arguments any
	output    *ActionOutput
	status    ActionStatus
	events    []ActionEvent
}

func (a *actionBuilder) setKind(kind ActionKind) {
	a.kind = kind
}

func (a *actionBuilder) setArguments(args any) {
	a.arguments = args
}

func (a *actionBuilder) setOutput(output ActionOutput) {
	a.output = &output
}

func (a *actionBuilder) updateStatusText(status string) {
	a.status.StatusText = status
}

func (a *actionBuilder) updateLocalStatus(status string) {
	a.status.LocalStatus = status
}

func (a *actionBuilder) pushEvent(ts time.Time, kind string, data map[string]any) {
	a.events = append(a.events, ActionEvent{Timestamp: ts, Kind: kind, Data: data})
}

func (a *actionBuilder) finish() ActionRecord {
	kind := a.kind
	if kind.Type == "" {
		kind.Type = ActionOther
	}
	return ActionRecord{
		CallID:    a.callID,
		Kind:      kind,
		Arguments: a.arguments,
		Output:    a.output,
		Status:    a.status,
		Events:    a.events,
	}
}

func tokenBreakdown(value map[string]any) TokenUsageBreakdown {
	return TokenUsageBreakdown{
		InputTokens:           intField(value, "input_tokens"),
		CachedInputTokens:     intField(value, "cached_input_tokens", "cachedTokens"),
		OutputTokens:          intField(value, "output_tokens"),
		ReasoningOutputTokens: intField(value, "reasoning_output_tokens"),
		TotalTokens:           intField(value, "total_tokens"),
	}
}
