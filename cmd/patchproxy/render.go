package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/OnslaughtSnail/patchproxy/kernel/model"
	"github.com/OnslaughtSnail/patchproxy/kernel/proxy"
	"github.com/OnslaughtSnail/patchproxy/kernel/session"
	"github.com/OnslaughtSnail/patchproxy/kernel/signal"
	"github.com/OnslaughtSnail/patchproxy/kernel/task"
)

const (
	formatPlain    = "plain"
	formatMarkdown = "markdown"
	formatJSON     = "json"
)

type historyContext struct {
	ID        string                `json:"id"`
	CreatedAt time.Time             `json:"created_at"`
	Current   bool                  `json:"current"`
	Calls     []*session.CallRecord `json:"calls"`
}

type historyDoc struct {
	TaskID   string           `json:"task_id"`
	Contexts []historyContext `json:"contexts"`
}

func buildHistory(t *task.Task) historyDoc {
	doc := historyDoc{TaskID: t.ID()}
	current := t.CurrentContext()
	for _, c := range t.Contexts() {
		sess := c.Session()
		doc.Contexts = append(doc.Contexts, historyContext{
			ID:        c.ID(),
			CreatedAt: sess.CreatedAt,
			Current:   c == current,
			Calls:     c.ToolCalls(),
		})
	}
	return doc
}

func renderHistory(w io.Writer, t *task.Task, format string) error {
	doc := buildHistory(t)
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case formatMarkdown:
		style := "dark"
		if color.NoColor {
			style = "notty"
		}
		out, err := glamour.Render(historyMarkdown(doc), style)
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, out)
		return err
	case formatPlain, "":
		renderHistoryPlain(w, doc, time.Now())
		return nil
	default:
		return fmt.Errorf("unknown format %q (want plain, markdown or json)", format)
	}
}

func renderHistoryPlain(w io.Writer, doc historyDoc, now time.Time) {
	header := color.New(color.Bold).SprintFunc()
	toolName := color.New(color.FgCyan).SprintFunc()
	found := color.New(color.FgGreen, color.Bold).SprintFunc()
	stopped := color.New(color.FgYellow, color.Bold).SprintFunc()
	dim := color.New(color.Faint).SprintFunc()

	fmt.Fprintf(w, "%s %s\n", header("task"), doc.TaskID)
	for _, c := range doc.Contexts {
		marker := ""
		if c.Current {
			marker = " (current)"
		}
		fmt.Fprintf(w, "\n%s %s%s %s\n", header("context"), c.ID, marker, dim(fmt.Sprintf("%d calls", len(c.Calls))))
		for _, rec := range c.Calls {
			result := truncateInline(rec.Result, 96)
			switch rec.Result {
			case signal.ResultPatchFound:
				result = found(rec.Result)
			case signal.ResultAgentStop:
				result = stopped(rec.Result)
			}
			fmt.Fprintf(w, "  %3d %s %s -> %s %s\n",
				rec.Seq,
				toolName(rec.Tool),
				summarizeToolArgs(rec.Tool, rec.Arguments),
				result,
				dim(humanize.RelTime(rec.Time, now, "ago", "from now")))
		}
	}
}

func historyMarkdown(doc historyDoc) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Task `%s`\n", doc.TaskID)
	for _, c := range doc.Contexts {
		title := c.ID
		if c.Current {
			title += " (current)"
		}
		fmt.Fprintf(&b, "\n## Context %s\n\n", title)
		if len(c.Calls) == 0 {
			b.WriteString("_No tool calls._\n")
			continue
		}
		for _, rec := range c.Calls {
			fmt.Fprintf(&b, "%d. **%s** `%s`\n", rec.Seq, rec.Tool, summarizeToolArgs(rec.Tool, rec.Arguments))
			if patch := asString(rec.Arguments["patch"]); rec.Tool == proxy.ValidateToolName && patch != "" {
				fmt.Fprintf(&b, "\n   ```diff\n%s   ```\n\n", indentMultiline(ensureNewline(patch), "   "))
			}
			fmt.Fprintf(&b, "\n   ```\n%s   ```\n\n", indentMultiline(ensureNewline(rec.Result), "   "))
		}
	}
	return b.String()
}

// renderMessage prints one agent loop message for `patchproxy run`.
func renderMessage(w io.Writer, msg model.Message) {
	label := color.New(color.FgMagenta, color.Bold).SprintFunc()
	toolName := color.New(color.FgCyan).SprintFunc()
	switch msg.Role {
	case model.RoleAssistant:
		if text := strings.TrimSpace(msg.Text); text != "" {
			fmt.Fprintf(w, "%s %s\n", label("model"), text)
		}
		for _, call := range msg.ToolCalls {
			fmt.Fprintf(w, "%s %s %s\n", label("call"), toolName(call.Name), summarizeToolArgs(call.Name, call.Args))
		}
	case model.RoleTool:
		if msg.ToolResponse == nil {
			return
		}
		text := asString(msg.ToolResponse.Result["result"])
		if errText := asString(msg.ToolResponse.Result["error"]); errText != "" {
			text = "error: " + errText
		}
		fmt.Fprintf(w, "%s %s %s\n", label("result"), toolName(msg.ToolResponse.Name), truncateInline(text, 120))
	}
}

func summarizeToolArgs(toolName string, args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	switch toolName {
	case proxy.ViewCodeToolName:
		path := strings.TrimSpace(asString(args["path"]))
		if path != "" {
			return fmt.Sprintf("{path=%s, lines=%s-%s}", path, valueOrDash(args["start_line"]), valueOrDash(args["end_line"]))
		}
	case proxy.LocateToolName:
		symbol := strings.TrimSpace(asString(args["symbol"]))
		if symbol != "" {
			return fmt.Sprintf("{symbol=%s}", symbol)
		}
	case proxy.ValidateToolName:
		patch := asString(args["patch"])
		return fmt.Sprintf("{patch=%d lines}", countLines(strings.TrimRight(patch, "\n")))
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", key, truncateInline(asString(args[key]), 72)))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func valueOrDash(v any) string {
	text := strings.TrimSpace(asString(v))
	if text == "" {
		return "-"
	}
	return text
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	return strings.Count(text, "\n") + 1
}

func truncateInline(input string, limit int) string {
	text := strings.Join(strings.Fields(strings.TrimSpace(input)), " ")
	rs := []rune(text)
	if limit <= 0 || len(rs) <= limit {
		return text
	}
	if limit <= 3 {
		return string(rs[:limit])
	}
	return string(rs[:limit-3]) + "..."
}

func indentMultiline(input, indent string) string {
	if input == "" {
		return ""
	}
	lines := strings.SplitAfter(input, "\n")
	var b strings.Builder
	for _, line := range lines {
		if line == "" {
			continue
		}
		b.WriteString(indent)
		b.WriteString(line)
	}
	return b.String()
}

func ensureNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
