// File path: internal/pipeline/stats.go
package pipeline

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/convmemory/convmemory/internal/rollout"
	"github.com/convmemory/convmemory/internal/storage"
)

const maxStoredQuestions = 5

// ComputeStats derives the denormalized conversation columns from a parsed
// record: preview text, question history, touched commands and files, and the
// lower-cased search blob.
func ComputeStats(record *rollout.ConversationRecord) storage.ConversationStats {
	stats := storage.ConversationStats{
		TurnCount: int64(len(record.Turns)),
		Cwd:       conversationCwd(record),
		Model:     conversationModel(record),
	}

	var (
		questions   []string
		commands    []string
		files       []string
		blobParts   []string
		seenCommand = map[string]bool{}
		seenFile    = map[string]bool{}
	)

	for i := range record.Turns {
		turn := &record.Turns[i]

		if !stats.HasLiveEvents && turnIndicatesLive(turn) {
			stats.HasLiveEvents = true
		}

		for _, input := range turn.UserInputs {
			text := strings.TrimSpace(input.Text)
			if text == "" {
				continue
			}
			blobParts = append(blobParts, text)
			stats.LastUserMessage = text
			if strings.Contains(text, "?") {
				if stats.FirstQuestion == "" {
					stats.FirstQuestion = text
				}
				stats.LastQuestion = text
				questions = append(questions, text)
				if len(questions) > maxStoredQuestions {
					questions = questions[len(questions)-maxStoredQuestions:]
				}
			}
		}
		for _, message := range turn.Result.AssistantMessages {
			blobParts = append(blobParts, message)
		}
		for _, summary := range turn.Result.ReasoningSummaries {
			blobParts = append(blobParts, summary)
		}
		if fb := turn.Result.Fallback; fb != nil {
			blobParts = append(blobParts, fb.Text)
		}

		for j := range turn.Actions {
			action := &turn.Actions[j]
			for _, command := range actionCommands(action) {
				if command != "" && !seenCommand[command] {
					seenCommand[command] = true
					commands = append(commands, command)
				}
			}
			for _, file := range actionFiles(action) {
				if file != "" && !seenFile[file] {
					seenFile[file] = true
					files = append(files, file)
				}
			}
		}
	}

	sort.Strings(commands)
	sort.Strings(files)
	stats.Questions = questions
	stats.Commands = commands
	stats.FilesTouched = files

	if stats.LastQuestion != "" {
		stats.Preview = stats.LastQuestion
	} else {
		stats.Preview = stats.LastUserMessage
	}

	if stats.Preview != "" {
		blobParts = append(blobParts, stats.Preview)
	}
	blobParts = append(blobParts, commands...)
	blobParts = append(blobParts, files...)
	if len(blobParts) > 0 {
		stats.SearchBlob = strings.ToLower(strings.Join(blobParts, "\n"))
	}
	return stats
}

func conversationCwd(record *rollout.ConversationRecord) string {
	if meta := record.SessionMeta; meta != nil {
		if cwd, ok := meta["cwd"].(string); ok && cwd != "" {
			return cwd
		}
		if workspace, ok := meta["workspace"].(map[string]any); ok {
			if cwd, ok := workspace["cwd"].(string); ok && cwd != "" {
				return cwd
			}
		}
	}
	for i := range record.Turns {
		if ctx := record.Turns[i].Context; ctx != nil && ctx.Cwd != "" {
			return ctx.Cwd
		}
	}
	return ""
}

func conversationModel(record *rollout.ConversationRecord) string {
	for i := range record.Turns {
		if ctx := record.Turns[i].Context; ctx != nil && ctx.Model != "" {
			return ctx.Model
		}
	}
	return ""
}

// turnIndicatesLive reports whether the turn was driven by a live event
// stream, either declared by the turn context or visible in telemetry.
func turnIndicatesLive(turn *rollout.Turn) bool {
	if ctx := turn.Context; ctx != nil && strings.EqualFold(ctx.SummaryStyle, "live") {
		return true
	}
	for _, event := range turn.Telemetry.MiscEvents {
		data := event.Data
		if data == nil {
			continue
		}
		if kind, ok := data["type"].(string); ok && kind == "listener_event" {
			return true
		}
		if kind, ok := data["kind"].(string); ok && kind == "live_state" {
			message, present := data["message"].(string)
			if !present || strings.Contains(strings.ToLower(message), "active") {
				return true
			}
		}
	}
	return false
}

// actionCommands extracts the executable basenames touched by an action: the
// argv head of shell invocations and of exec begin events.
func actionCommands(action *rollout.ActionRecord) []string {
	var commands []string
	if action.Kind.Type == rollout.ActionLocalShell && len(action.Kind.Command) > 0 {
		commands = append(commands, filepath.Base(action.Kind.Command[0]))
	}
	if action.Kind.Type == rollout.ActionFunctionCall && action.Kind.Name == "exec_command" {
		if args, ok := action.Arguments.(map[string]any); ok {
			if head := commandHead(args); head != "" {
				commands = append(commands, filepath.Base(head))
			}
		}
	}
	for _, event := range action.Events {
		if event.Kind != "exec_command_begin" || event.Data == nil {
			continue
		}
		if head := commandHead(event.Data); head != "" {
			commands = append(commands, filepath.Base(head))
		}
	}
	return commands
}

// commandHead pulls the executable from an exec arguments document: the
// first whitespace token of a "cmd" string, or the head of a "command" array.
func commandHead(args map[string]any) string {
	if cmd, ok := args["cmd"].(string); ok {
		if fields := strings.Fields(cmd); len(fields) > 0 {
			return fields[0]
		}
	}
	if argv, ok := args["command"].([]any); ok && len(argv) > 0 {
		if head, ok := argv[0].(string); ok {
			return head
		}
	}
	return ""
}

// actionFiles extracts the paths named by apply_patch invocations.
func actionFiles(action *rollout.ActionRecord) []string {
	if action.Kind.Name != "apply_patch" {
		return nil
	}
	patch := patchText(action.Arguments)
	if patch == "" {
		return nil
	}
	var files []string
	for _, line := range strings.Split(patch, "\n") {
		line = strings.TrimSpace(line)
		for _, prefix := range []string{"*** Update File: ", "*** Add File: ", "*** Delete File: "} {
			if rest, ok := strings.CutPrefix(line, prefix); ok {
				if rest = strings.TrimSpace(rest); rest != "" {
					files = append(files, rest)
				}
				break
			}
		}
	}
	return files
}

func patchText(arguments any) string {
	switch v := arguments.(type) {
	case string:
		return v
	case map[string]any:
		for _, key := range []string{"input", "patch"} {
			if text, ok := v[key].(string); ok {
				return text
			}
		}
	}
	return ""
}
