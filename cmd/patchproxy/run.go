package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/OnslaughtSnail/patchproxy/kernel/llmagent"
	"github.com/OnslaughtSnail/patchproxy/kernel/model"
	"github.com/OnslaughtSnail/patchproxy/kernel/model/providers"
	"github.com/OnslaughtSnail/patchproxy/kernel/promptpipeline"
	"github.com/OnslaughtSnail/patchproxy/kernel/signal"
)

type runOptions struct {
	prompt     string
	promptFile string
	maxSteps   int
}

// newRunCmd drives a model through the tools until a patch is found.
func newRunCmd(opts *rootOptions) *cobra.Command {
	runOpts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Let a model repair the repository using the tools",
		Long: `Run sends the prompt (for example a sanitizer report) to the configured model
and executes the tool calls it makes. Exit status is 0 with the patch on stdout
when a patch is found, 3 when the agent is stopped and 2 when the model gives up.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := runOpts.loadPrompt(cmd.InOrStdin())
			if err != nil {
				return err
			}
			llm, err := providers.NewAnthropic(providers.Config{
				Model:     opts.cfg.Model.Name,
				BaseURL:   opts.cfg.Model.BaseURL,
				APIKeyEnv: opts.cfg.Model.APIKeyEnv,
				Timeout:   opts.cfg.ModelTimeout(),
			})
			if err != nil {
				return err
			}
			return runAgent(cmd, opts, runOpts, llm, prompt)
		},
	}
	cmd.Flags().StringVar(&runOpts.prompt, "prompt", "", "Problem description, for example a sanitizer report")
	cmd.Flags().StringVar(&runOpts.promptFile, "prompt-file", "", "Read the problem description from a file, or - for stdin")
	cmd.Flags().IntVar(&runOpts.maxSteps, "max-steps", 0, "Override model.max_steps")
	return cmd
}

func runAgent(cmd *cobra.Command, opts *rootOptions, runOpts *runOptions, llm model.LLM, prompt string) error {
	ctx := cmd.Context()
	if err := opts.probeSandbox(ctx); err != nil {
		return err
	}
	p, closeFn, err := opts.openProxy(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	tools, err := p.Tools()
	if err != nil {
		return err
	}
	systemPrompt, err := opts.systemPrompt()
	if err != nil {
		return err
	}
	maxSteps := opts.cfg.Model.MaxSteps
	if runOpts.maxSteps > 0 {
		maxSteps = runOpts.maxSteps
	}
	progress := cmd.ErrOrStderr()
	ag, err := llmagent.New(llmagent.Config{
		Name:         "patchproxy",
		SystemPrompt: systemPrompt,
		MaxSteps:     maxSteps,
		Logger:       opts.logger,
		OnMessage:    func(msg model.Message) { renderMessage(progress, msg) },
	})
	if err != nil {
		return err
	}

	res, err := ag.Run(ctx, llm, tools, prompt)
	if err != nil {
		return err
	}
	opts.logger.Info("agent finished",
		zap.String("task", p.Task().ID()),
		zap.String("outcome", string(res.Outcome.Kind)),
		zap.Int("steps", res.Steps))
	switch res.Outcome.Kind {
	case signal.KindPatchFound:
		_, err := io.WriteString(cmd.OutOrStdout(), res.Outcome.Patch)
		return err
	case signal.KindAgentStop:
		return &exitError{code: exitAgentStop, err: fmt.Errorf("%s: %s", signal.ResultAgentStop, res.Outcome.Reason)}
	default:
		return &exitError{code: exitNoPatch, err: fmt.Errorf("no patch found after %d steps", res.Steps)}
	}
}

// systemPrompt assembles the agent instructions from config and the
// repository's own instruction file.
func (o *rootOptions) systemPrompt() (string, error) {
	repoText, repoSource, err := promptpipeline.LoadRepositoryInstructions(o.cfg.Repository.Path)
	if err != nil {
		return "", err
	}
	var userText, userSource string
	if path := strings.TrimSpace(o.cfg.Model.InstructionsFile); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read model.instructions_file: %w", err)
		}
		userText, userSource = string(raw), path
	}
	res := promptpipeline.Assemble(promptpipeline.AssembleSpec{
		Identity:                     o.cfg.Model.SystemPrompt,
		AutoHint:                     o.cfg.AutoHint,
		RepositoryPath:               o.cfg.Repository.Path,
		ValidateCommand:              o.cfg.Repository.ValidateCommand,
		MaxValidations:               o.cfg.Repository.MaxValidations,
		RepositoryInstructions:       repoText,
		RepositoryInstructionsSource: repoSource,
		UserPrompt:                   userText,
		UserSource:                   userSource,
	})
	o.logger.Debug("system prompt assembled", zap.Int("sections", len(res.Fragments)), zap.Int("chars", len(res.Prompt)))
	return res.Prompt, nil
}

func (r *runOptions) loadPrompt(stdin io.Reader) (string, error) {
	prompt := r.prompt
	switch {
	case r.promptFile == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", err
		}
		prompt = string(data)
	case r.promptFile != "":
		data, err := os.ReadFile(r.promptFile)
		if err != nil {
			return "", err
		}
		prompt = string(data)
	}
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("a prompt is required (--prompt or --prompt-file)")
	}
	return prompt, nil
}
