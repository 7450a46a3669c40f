package execenv

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	dockerWorkspaceDir    = "/workspace"
	DefaultDockerImage    = "gcc:14"
	DefaultDockerNetwork  = "none"
	dockerProbeTimeout    = 20 * time.Second
	dockerStopGracePeriod = "1"
)

// DockerConfig configures a DockerRunner.
type DockerConfig struct {
	Image   string
	Network string
	// ExtraArgs are passed to `docker run` before the image, for example
	// resource limits.
	ExtraArgs []string
}

// DockerRunner runs every command in a fresh container with the request
// directory mounted at /workspace. Commands without a directory are rejected
// since nothing on the host would be visible to them.
type DockerRunner struct {
	execCommand func(context.Context, string, ...string) *exec.Cmd
	image       string
	network     string
	extraArgs   []string
}

var _ CommandRunner = (*DockerRunner)(nil)

func NewDockerRunner(cfg DockerConfig) *DockerRunner {
	image := strings.TrimSpace(cfg.Image)
	if image == "" {
		image = DefaultDockerImage
	}
	network := strings.ToLower(strings.TrimSpace(cfg.Network))
	if network == "" {
		network = DefaultDockerNetwork
	}
	return &DockerRunner{
		execCommand: exec.CommandContext,
		image:       image,
		network:     network,
		extraArgs:   append([]string(nil), cfg.ExtraArgs...),
	}
}

func (d *DockerRunner) Image() string {
	return d.image
}

// Probe checks that the daemon answers and the image is present, pulling it
// when it is not.
func (d *DockerRunner) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, dockerProbeTimeout)
	defer cancel()
	if err := d.runCommand(ctx, "version", "--format", "{{.Server.Version}}"); err != nil {
		return WrapCodedError(ErrorCodeHostCommandFailed, err, "execenv: docker probe failed")
	}
	if err := d.runCommand(ctx, "image", "inspect", d.image); err != nil {
		if pullErr := d.runCommand(context.WithoutCancel(ctx), "pull", d.image); pullErr != nil {
			return WrapCodedError(ErrorCodeHostCommandFailed, pullErr, "execenv: docker image %q unavailable", d.image)
		}
	}
	return nil
}

func (d *DockerRunner) runCommand(ctx context.Context, args ...string) error {
	cmd := d.execCommand(ctx, "docker", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w; stderr=%s", err, msg)
		}
		return err
	}
	return nil
}

// Run executes req.Command with `sh -c` inside the container.
func (d *DockerRunner) Run(ctx context.Context, req CommandRequest) (CommandResult, error) {
	if strings.TrimSpace(req.Dir) == "" {
		return CommandResult{}, NewCodedError(ErrorCodeHostCommandFailed, "execenv: docker commands need a working directory")
	}
	hostDir, err := filepath.Abs(req.Dir)
	if err != nil {
		return CommandResult{}, err
	}

	runCtx := ctx
	cancel := func() {}
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()

	cmd := d.execCommand(runCtx, "docker", d.runArgs(hostDir, req)...)
	return runWatched(runCtx, cmd, req)
}

func (d *DockerRunner) runArgs(hostDir string, req CommandRequest) []string {
	args := []string{
		"run", "--rm", "--init",
		"--network", d.network,
		"--stop-timeout", dockerStopGracePeriod,
	}
	for _, kv := range append(append([]string(nil), commandEnv...), req.Env...) {
		args = append(args, "-e", kv)
	}
	args = append(args,
		"-v", filepath.Clean(hostDir)+":"+dockerWorkspaceDir,
		"-w", dockerWorkspaceDir,
	)
	args = append(args, d.extraArgs...)
	return append(args, d.image, "sh", "-c", req.Command)
}
