// File path: internal/pipeline/summary.go
package pipeline

import (
	"fmt"
	"strings"

	"github.com/convmemory/convmemory/internal/rollout"
)

const outputSnippetLimit = 200

// RenderTurnSummary produces the embeddable plain-text transcript of a turn:
// user fragments, assistant output (or its fallback), and one line per action.
func RenderTurnSummary(turn *rollout.Turn) string {
	var sections []string

	var userLines []string
	for i, input := range turn.UserInputs {
		fragment := input.Text
		if len(input.Images) > 0 {
			marker := fmt.Sprintf("[%d image(s)]", len(input.Images))
			if fragment == "" {
				fragment = marker
			} else {
				fragment += " " + marker
			}
		}
		if fragment == "" {
			continue
		}
		userLines = append(userLines, fmt.Sprintf("#%d %s", i+1, fragment))
	}
	if len(userLines) > 0 {
		sections = append(sections, "User:\n"+strings.Join(userLines, "\n"))
	}

	var assistantLines []string
	for _, message := range turn.Result.AssistantMessages {
		assistantLines = append(assistantLines, message)
	}
	if len(assistantLines) == 0 && turn.Result.Fallback != nil {
		fb := turn.Result.Fallback
		assistantLines = append(assistantLines, fmt.Sprintf("[fallback %s] %s", fb.Source, fb.Text))
	}
	if len(assistantLines) > 0 {
		sections = append(sections, "Assistant:\n"+strings.Join(assistantLines, "\n"))
	}

	var actionLines []string
	for i := range turn.Actions {
		actionLines = append(actionLines, "- "+renderAction(&turn.Actions[i]))
	}
	if len(actionLines) > 0 {
		sections = append(sections, "Actions:\n"+strings.Join(actionLines, "\n"))
	}

	if len(sections) == 0 {
		return "No transcript recorded for this turn."
	}
	return strings.Join(sections, "\n\n")
}

func renderAction(action *rollout.ActionRecord) string {
	line := describeActionKind(&action.Kind)
	if action.CallID != "" {
		line += fmt.Sprintf(" (call_id=%s)", action.CallID)
	}
	if status := actionStatusText(action); status != "" {
		line += fmt.Sprintf(" [status: %s]", status)
	}
	if action.Output != nil && action.Output.Content != "" {
		line += " -> " + snippet(action.Output.Content, outputSnippetLimit)
	}
	return line
}

func describeActionKind(kind *rollout.ActionKind) string {
	switch kind.Type {
	case rollout.ActionFunctionCall:
		return "function_call " + nameOrUnknown(kind.Name)
	case rollout.ActionCustomTool:
		return "custom_tool " + nameOrUnknown(kind.Name)
	case rollout.ActionLocalShell:
		line := "shell `" + strings.Join(kind.Command, " ") + "`"
		if kind.Workdir != "" {
			line += fmt.Sprintf(" (cwd: %s)", kind.Workdir)
		}
		return line
	case rollout.ActionWebSearch:
		if kind.Query == "" {
			return "web_search (query missing)"
		}
		return "web_search " + kind.Query
	default:
		if kind.Label != "" {
			return kind.Label
		}
		return "other"
	}
}

func nameOrUnknown(name string) string {
	if name == "" {
		return "(unknown)"
	}
	return name
}

func actionStatusText(action *rollout.ActionRecord) string {
	if action.Status.StatusText != "" {
		return action.Status.StatusText
	}
	return action.Status.LocalStatus
}

// snippet truncates on a rune boundary and collapses newlines so action
// output stays on one line.
func snippet(text string, limit int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}
