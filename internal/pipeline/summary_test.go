// File path: internal/pipeline/summary_test.go
package pipeline

import (
	"strings"
	"testing"

	"github.com/convmemory/convmemory/internal/rollout"
)

func TestRenderTurnSummarySections(t *testing.T) {
	success := true
	turn := rollout.Turn{
		UserInputs: []rollout.UserInput{
			{Text: "Sort this list", Images: []string{"img-1"}},
		},
		Result: rollout.TurnResult{AssistantMessages: []string{"Use sort.Slice."}},
		Actions: []rollout.ActionRecord{
			{
				CallID: "call-1",
				Kind:   rollout.ActionKind{Type: rollout.ActionLocalShell, Command: []string{"go", "doc", "sort"}, Workdir: "/repo"},
				Output: &rollout.ActionOutput{Content: "package sort provides primitives", Success: &success},
				Status: rollout.ActionStatus{StatusText: "completed"},
			},
		},
	}

	summary := RenderTurnSummary(&turn)
	if !strings.Contains(summary, "User:\n#1 Sort this list [1 image(s)]") {
		t.Fatalf("user section malformed:\n%s", summary)
	}
	if !strings.Contains(summary, "Assistant:\nUse sort.Slice.") {
		t.Fatalf("assistant section malformed:\n%s", summary)
	}
	if !strings.Contains(summary, "- shell `go doc sort` (cwd: /repo) (call_id=call-1) [status: completed] -> package sort provides primitives") {
		t.Fatalf("action line malformed:\n%s", summary)
	}
}

func TestRenderTurnSummaryFallback(t *testing.T) {
	turn := rollout.Turn{
		UserInputs: []rollout.UserInput{{Text: "why?"}},
		Result: rollout.TurnResult{
			Fallback: &rollout.FallbackSummary{Source: rollout.FallbackReasoning, Text: "considered options"},
		},
	}
	summary := RenderTurnSummary(&turn)
	if !strings.Contains(summary, "[fallback reasoning] considered options") {
		t.Fatalf("fallback not rendered:\n%s", summary)
	}
}

func TestRenderTurnSummaryActionKinds(t *testing.T) {
	cases := []struct {
		kind rollout.ActionKind
		want string
	}{
		{rollout.ActionKind{Type: rollout.ActionFunctionCall, Name: "fetch"}, "function_call fetch"},
		{rollout.ActionKind{Type: rollout.ActionFunctionCall}, "function_call (unknown)"},
		{rollout.ActionKind{Type: rollout.ActionCustomTool, Name: "apply_patch"}, "custom_tool apply_patch"},
		{rollout.ActionKind{Type: rollout.ActionWebSearch, Query: "go generics"}, "web_search go generics"},
		{rollout.ActionKind{Type: rollout.ActionWebSearch}, "web_search (query missing)"},
		{rollout.ActionKind{Type: rollout.ActionOther, Label: "mcp ping"}, "mcp ping"},
		{rollout.ActionKind{Type: rollout.ActionOther}, "other"},
	}
	for _, tc := range cases {
		turn := rollout.Turn{Actions: []rollout.ActionRecord{{Kind: tc.kind}}}
		summary := RenderTurnSummary(&turn)
		if !strings.Contains(summary, "- "+tc.want) {
			t.Fatalf("kind %q rendered wrong:\n%s", tc.kind.Type, summary)
		}
	}
}

func TestRenderTurnSummaryTruncatesOutput(t *testing.T) {
	long := strings.Repeat("x", 500)
	turn := rollout.Turn{
		Actions: []rollout.ActionRecord{
			{
				Kind:   rollout.ActionKind{Type: rollout.ActionFunctionCall, Name: "dump"},
				Output: &rollout.ActionOutput{Content: long},
			},
		},
	}
	summary := RenderTurnSummary(&turn)
	if strings.Contains(summary, long) {
		t.Fatalf("output should be truncated")
	}
	if !strings.Contains(summary, strings.Repeat("x", outputSnippetLimit)+"...") {
		t.Fatalf("truncation marker missing:\n%s", summary)
	}
}

func TestRenderTurnSummaryEmpty(t *testing.T) {
	turn := rollout.Turn{}
	if got := RenderTurnSummary(&turn); got != "No transcript recorded for this turn." {
		t.Fatalf("unexpected empty summary: %q", got)
	}
}
