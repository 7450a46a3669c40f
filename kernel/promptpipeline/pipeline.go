// Package promptpipeline assembles the system prompt of the repair agent from
// ordered sections.
package promptpipeline

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// RepositoryInstructionsFile is read from the repository root when present.
const RepositoryInstructionsFile = "PATCHPROXY.md"

// AssembleSpec describes prompt assembly inputs.
type AssembleSpec struct {
	// Identity replaces the built-in identity section when set.
	Identity string
	AutoHint bool

	RepositoryPath  string
	ValidateCommand string
	MaxValidations  int

	RepositoryInstructions       string
	RepositoryInstructionsSource string

	UserPrompt string
	UserSource string
}

// PromptFragment is one assembled prompt section.
type PromptFragment struct {
	Stage   string
	Source  string
	Content string
}

// AssembleResult is the final output consumed by the agent config.
type AssembleResult struct {
	Prompt    string
	Fragments []PromptFragment
}

// Assemble builds the final system prompt. Sections are ordered by priority.
func Assemble(spec AssembleSpec) AssembleResult {
	var out AssembleResult
	add := func(stage, source, text string) {
		if text = normalizeText(text); text != "" {
			out.Fragments = append(out.Fragments, PromptFragment{Stage: stage, Source: strings.TrimSpace(source), Content: text})
		}
	}

	identity, identitySource := spec.Identity, "config"
	if normalizeText(identity) == "" {
		identity, identitySource = defaultIdentity, "builtin:identity"
	}
	add(stageIdentity, identitySource, identity)
	add(stageToolPolicy, "builtin:tool-policy", toolPolicy(spec.AutoHint))
	add(stageRepository, "runtime repository context", repositoryContext(spec))
	add(stageRepositoryRules, spec.RepositoryInstructionsSource, spec.RepositoryInstructions)
	add(stageUser, spec.UserSource, spec.UserPrompt)

	out.Prompt = renderPrompt(out.Fragments)
	return out
}

// LoadRepositoryInstructions reads RepositoryInstructionsFile from root. A
// missing file yields empty text and no error.
func LoadRepositoryInstructions(root string) (string, string, error) {
	path := filepath.Join(root, RepositoryInstructionsFile)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("promptpipeline: read %s: %w", path, err)
	}
	return string(raw), path, nil
}

const (
	stageIdentity        = "identity"
	stageToolPolicy      = "tool_policy"
	stageRepository      = "repository_context"
	stageRepositoryRules = "repository_instructions"
	stageUser            = "user_custom"
)

func repositoryContext(spec AssembleSpec) string {
	var lines []string
	if path := strings.TrimSpace(spec.RepositoryPath); path != "" {
		lines = append(lines, "- repository: "+path+" (code is read from HEAD)")
	}
	if cmd := strings.TrimSpace(spec.ValidateCommand); cmd != "" {
		lines = append(lines, "- validate runs: "+cmd)
	} else {
		lines = append(lines, "- validate only checks that the patch applies cleanly")
	}
	if spec.MaxValidations > 0 {
		lines = append(lines, fmt.Sprintf("- validate budget: %d calls for the whole task", spec.MaxValidations))
	}
	return strings.Join(lines, "\n")
}

func toolPolicy(autoHint bool) string {
	policy := defaultToolPolicy
	if autoHint {
		policy += "\nTool results may end with a Hint line; treat it as advice, not as output of the repository."
	}
	return policy
}

func renderPrompt(fragments []PromptFragment) string {
	var b bytes.Buffer
	b.WriteString("Priority rule: higher sections override lower sections.\n")
	b.WriteString("Order: identity > tool_policy > repository_context > repository_instructions > user_custom.")
	for _, f := range fragments {
		b.WriteString("\n\n### ")
		b.WriteString(stageTitle(f.Stage))
		if f.Source != "" {
			b.WriteString("\nsource: ")
			b.WriteString(f.Source)
		}
		b.WriteString("\n\n")
		b.WriteString(f.Content)
	}
	return strings.TrimSpace(b.String())
}

func stageTitle(stage string) string {
	switch stage {
	case stageIdentity:
		return "Identity"
	case stageToolPolicy:
		return "Tool Policy"
	case stageRepository:
		return "Repository Context"
	case stageRepositoryRules:
		return "Repository Instructions"
	case stageUser:
		return "User Custom Instructions"
	default:
		return "Instructions"
	}
}

func normalizeText(input string) string {
	input = strings.ReplaceAll(input, "\r\n", "\n")
	input = strings.ReplaceAll(input, "\r", "\n")
	input = strings.TrimPrefix(input, "\ufeff")
	return strings.TrimSpace(input)
}
