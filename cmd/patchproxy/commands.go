package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/OnslaughtSnail/patchproxy/internal/version"
	"github.com/OnslaughtSnail/patchproxy/kernel/model/providers"
	"github.com/OnslaughtSnail/patchproxy/kernel/primitive"
	"github.com/OnslaughtSnail/patchproxy/kernel/proxy"
	"github.com/OnslaughtSnail/patchproxy/kernel/signal"
	"github.com/OnslaughtSnail/patchproxy/kernel/task"
	"github.com/OnslaughtSnail/patchproxy/kernel/tool"
)

func newToolsCmd(opts *rootOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Print the tool declarations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Declarations do not depend on the repository or stored history.
			t, err := task.New(cmd.Context(), task.Config{ID: opts.taskID, AppName: opts.cfg.AppName, Logger: opts.logger})
			if err != nil {
				return err
			}
			tools, err := proxy.NewTools(t, primitive.Funcs{}, proxy.Options{AutoHint: opts.cfg.AutoHint})
			if err != nil {
				return err
			}
			decls := tool.Declarations(tools)
			var out any
			switch format {
			case "json", "":
				out = decls
			case "anthropic":
				out = providers.AnthropicTools(decls)
			case "gemini":
				out = providers.GeminiTool(decls)
			default:
				return fmt.Errorf("unknown format %q (want json, anthropic or gemini)", format)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "Output format: json, anthropic or gemini")
	return cmd
}

func newViewCodeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "viewcode PATH START_LINE END_LINE",
		Short: "Print a line-numbered snippet of a file at HEAD",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid START_LINE %q", args[1])
			}
			end, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid END_LINE %q", args[2])
			}
			p, closeFn, err := opts.openProxy(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			out, err := p.ViewCode(cmd.Context(), args[0], start, end)
			return finishToolCall(cmd, out, err)
		},
	}
}

func newLocateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "locate SYMBOL",
		Short: "Print where a symbol appears at HEAD",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, closeFn, err := opts.openProxy(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			out, err := p.Locate(cmd.Context(), args[0])
			return finishToolCall(cmd, out, err)
		},
	}
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate PATCH_FILE|-",
		Short: "Validate a unified diff against HEAD",
		Long: `Validate applies the patch to a throw-away worktree and runs the configured
validate command. A passing patch is printed to stdout and the command exits 0.
When the validation budget of the task is exhausted the command exits 3.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := readPatch(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			if err := opts.probeSandbox(cmd.Context()); err != nil {
				return err
			}
			p, closeFn, err := opts.openProxy(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			out, err := p.Validate(cmd.Context(), patch)
			return finishToolCall(cmd, out, err)
		},
	}
}

// finishToolCall prints a tool result and maps signals to exit codes.
func finishToolCall(cmd *cobra.Command, out string, err error) error {
	outcome, err := signal.Classify(out, err)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	switch outcome.Kind {
	case signal.KindPatchFound:
		fmt.Fprintln(cmd.ErrOrStderr(), signal.ResultPatchFound)
		_, err := io.WriteString(w, outcome.Patch)
		return err
	case signal.KindAgentStop:
		return &exitError{code: exitAgentStop, err: fmt.Errorf("%s: %s", signal.ResultAgentStop, outcome.Reason)}
	default:
		_, err := fmt.Fprintln(w, outcome.Text)
		return err
	}
}

func readPatch(stdin io.Reader, arg string) (string, error) {
	var (
		data []byte
		err  error
	)
	if arg == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(arg)
	}
	if err != nil {
		return "", fmt.Errorf("read patch: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", fmt.Errorf("read patch: %s is empty", arg)
	}
	return string(data), nil
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the recorded tool calls of the task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, closeFn, err := opts.openTask(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			return renderHistory(cmd.OutOrStdout(), t, format)
		},
	}
	cmd.Flags().StringVar(&format, "format", formatPlain, "Output format: plain, markdown or json")
	return cmd
}

func newNewContextCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "new-context",
		Short: "Start a fresh context for the task; later calls are recorded there",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, closeFn, err := opts.openTask(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			c, err := t.SwitchContext(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), c.ID())
			return err
		},
	}
}

func newVersionCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if asJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(version.Get())
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "patchproxy", version.String())
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}
