// Package gitrepo implements the primitives against a git repository. Code is
// read from the HEAD commit so uncommitted edits never leak into what the agent
// sees; patches are validated in a throw-away worktree.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/OnslaughtSnail/patchproxy/kernel/execenv"
	"github.com/OnslaughtSnail/patchproxy/kernel/primitive"
	"github.com/OnslaughtSnail/patchproxy/kernel/task"
)

const (
	defaultMaxValidations = 10
	defaultCommandTimeout = 10 * time.Minute
	maxLocateHits         = 20
	fileCacheSize         = 128
)

// Config configures a Repo.
type Config struct {
	// Path is the repository root.
	Path string
	// ValidateCommand runs inside the patched worktree; empty means a clean
	// apply is enough.
	ValidateCommand string
	// MaxValidations caps validate calls per task across all its contexts.
	MaxValidations int
	CommandTimeout time.Duration
	IdleTimeout    time.Duration
	// Runner executes git commands. Defaults to the host shell.
	Runner execenv.CommandRunner
	// ValidateRunner executes the validate command, for example inside a
	// container. Defaults to Runner.
	ValidateRunner execenv.CommandRunner
	// WorktreeRoot holds temporary worktrees. Defaults to the OS temp dir.
	WorktreeRoot string
	Logger       *zap.Logger
}

// Repo serves viewcode, locate and validate from one repository.
type Repo struct {
	path            string
	validateCommand string
	maxValidations  int
	commandTimeout  time.Duration
	idleTimeout     time.Duration
	runner          execenv.CommandRunner
	validateRunner  execenv.CommandRunner
	worktreeRoot    string
	logger          *zap.Logger

	repo  *git.Repository
	files *lru.Cache[plumbing.Hash, []string]
}

var _ primitive.Primitives = (*Repo)(nil)

// New opens the repository at cfg.Path.
func New(cfg Config) (*Repo, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, execenv.NewCodedError(execenv.ErrorCodeRepositoryUnavailable, "gitrepo: repository path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	repo, err := git.PlainOpen(abs)
	if err != nil {
		return nil, execenv.WrapCodedError(execenv.ErrorCodeRepositoryUnavailable, err, "gitrepo: open %s", abs)
	}
	files, err := lru.New[plumbing.Hash, []string](fileCacheSize)
	if err != nil {
		return nil, err
	}
	r := &Repo{
		path:            abs,
		validateCommand: strings.TrimSpace(cfg.ValidateCommand),
		maxValidations:  cfg.MaxValidations,
		commandTimeout:  cfg.CommandTimeout,
		idleTimeout:     cfg.IdleTimeout,
		runner:          cfg.Runner,
		validateRunner:  cfg.ValidateRunner,
		worktreeRoot:    cfg.WorktreeRoot,
		logger:          cfg.Logger,
		repo:            repo,
		files:           files,
	}
	if r.maxValidations <= 0 {
		r.maxValidations = defaultMaxValidations
	}
	if r.commandTimeout <= 0 {
		r.commandTimeout = defaultCommandTimeout
	}
	if r.runner == nil {
		r.runner = execenv.NewHostRunner()
	}
	if r.validateRunner == nil {
		r.validateRunner = r.runner
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r, nil
}

// Path returns the absolute repository root.
func (r *Repo) Path() string {
	return r.path
}

// ViewCode returns lines [startLine, endLine] of path at HEAD as "<n>: <line>".
// An end line past the end of the file is clamped, and the clamped range is
// what gets reported back as the arguments used.
func (r *Repo) ViewCode(ctx context.Context, _ *task.Task, path string, startLine, endLine int, autoHint bool) (primitive.Args, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	lines, err := r.fileLines(path)
	if err != nil {
		return nil, "", err
	}
	if startLine < 1 || endLine < startLine || startLine > len(lines) {
		return nil, "", fmt.Errorf("%w: %s has %d lines, requested %d-%d", primitive.ErrInvalidRange, path, len(lines), startLine, endLine)
	}
	clamped := endLine > len(lines)
	if clamped {
		endLine = len(lines)
	}

	var b strings.Builder
	for n := startLine; n <= endLine; n++ {
		if n > startLine {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d: %s", n, lines[n-1])
	}
	if autoHint && clamped {
		fmt.Fprintf(&b, "\n\nHint: %s has only %d lines; the snippet ends at the last line.", path, len(lines))
	}
	return primitive.Args{"path": path, "start_line": startLine, "end_line": endLine}, b.String(), nil
}

// Locate reports path:line for every HEAD line that mentions the last
// identifier segment of symbol.
func (r *Repo) Locate(ctx context.Context, _ *task.Task, symbol string, autoHint bool) (primitive.Args, string, error) {
	name := lastSegment(symbol)
	if name == "" {
		return nil, "", fmt.Errorf("%w: %q", primitive.ErrSymbolNotFound, symbol)
	}
	commit, err := r.headCommit()
	if err != nil {
		return nil, "", err
	}
	files, err := commit.Files()
	if err != nil {
		return nil, "", execenv.WrapCodedError(execenv.ErrorCodeRepositoryUnavailable, err, "gitrepo: list files")
	}
	defer files.Close()

	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(name) + `\b`)
	var hits []string
	total := 0
	err = files.ForEach(func(f *object.File) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if binary, err := f.IsBinary(); err != nil || binary {
			return nil
		}
		lines, err := r.blobLines(f)
		if err != nil {
			return err
		}
		for i, line := range lines {
			if !re.MatchString(line) {
				continue
			}
			total++
			if len(hits) < maxLocateHits {
				hits = append(hits, fmt.Sprintf("%s:%d", f.Name, i+1))
			}
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	if total == 0 {
		return nil, "", fmt.Errorf("%w: %q", primitive.ErrSymbolNotFound, symbol)
	}

	out := strings.Join(hits, "\n")
	if total > len(hits) {
		out += fmt.Sprintf("\n... %d more", total-len(hits))
	}
	if autoHint {
		out += "\n\nHint: use viewcode on one of these locations to read the surrounding code."
	}
	return primitive.Args{"symbol": symbol}, out, nil
}

func (r *Repo) headCommit() (*object.Commit, error) {
	ref, err := r.repo.Head()
	if err != nil {
		return nil, execenv.WrapCodedError(execenv.ErrorCodeRepositoryUnavailable, err, "gitrepo: resolve HEAD")
	}
	commit, err := r.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, execenv.WrapCodedError(execenv.ErrorCodeRepositoryUnavailable, err, "gitrepo: load HEAD commit")
	}
	return commit, nil
}

func (r *Repo) fileLines(path string) ([]string, error) {
	clean := filepath.ToSlash(filepath.Clean(strings.TrimSpace(path)))
	clean = strings.TrimPrefix(clean, "./")
	if clean == "" || clean == "." || strings.HasPrefix(clean, "../") || filepath.IsAbs(clean) {
		return nil, fmt.Errorf("%w: bad path %q", primitive.ErrInvalidRange, path)
	}
	commit, err := r.headCommit()
	if err != nil {
		return nil, err
	}
	f, err := commit.File(clean)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return nil, fmt.Errorf("gitrepo: %s not found at HEAD: %w", clean, os.ErrNotExist)
		}
		return nil, err
	}
	return r.blobLines(f)
}

func (r *Repo) blobLines(f *object.File) ([]string, error) {
	if lines, ok := r.files.Get(f.Hash); ok {
		return lines, nil
	}
	lines, err := f.Lines()
	if err != nil {
		return nil, fmt.Errorf("gitrepo: read %s: %w", f.Name, err)
	}
	r.files.Add(f.Hash, lines)
	return lines, nil
}

// lastSegment strips qualifiers such as "ns::Type::" or "pkg." from symbol.
func lastSegment(symbol string) string {
	s := strings.TrimSpace(symbol)
	s = strings.TrimSuffix(s, "()")
	if i := strings.LastIndex(s, "::"); i >= 0 {
		s = s[i+2:]
	}
	if i := strings.LastIndexAny(s, ".>"); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimLeft(s, "~*&")
}
