package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// Runner runs a command to completion. It is injectable so the installer and
// the guardian can be unit-tested without git or reboot on the host.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
	Output(ctx context.Context, name string, args ...string) (string, error)
}

// Spawner starts a process and forgets about it. The caller never learns the
// exit status; a non-nil error only means the process could not be started.
type Spawner interface {
	Spawn(binary, dir string, args ...string) error
}

// OSRunner executes commands on the host via os/exec.
type OSRunner struct {
	Stdout io.Writer
	Stderr io.Writer
}

func NewOSRunner(stdout, stderr io.Writer) *OSRunner {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return &OSRunner{Stdout: stdout, Stderr: stderr}
}

func (r *OSRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = r.Stdout
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
		}
		return fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	if stderr.Len() > 0 && r.Stderr != nil {
		_, _ = io.Copy(r.Stderr, &stderr)
	}
	return nil
}

func (r *OSRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		return "", errors.New(strings.TrimSpace(buf.String()))
	}
	return strings.TrimSpace(buf.String()), nil
}

// OSSpawner launches detached child processes in their own process group so
// a signal to the master does not propagate to the nodes it started.
type OSSpawner struct {
	Logger *slog.Logger
	Stdout io.Writer
	Stderr io.Writer
}

func NewOSSpawner(logger *slog.Logger) *OSSpawner {
	if logger == nil {
		logger = slog.Default()
	}
	return &OSSpawner{Logger: logger.With("component", "spawner")}
}

func (s *OSSpawner) Spawn(binary, dir string, args ...string) error {
	if binary == "" {
		return errors.New("spawn: empty binary")
	}
	cmd := exec.Command(binary, args...)
	cmd.Dir = dir
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	detach(cmd)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s in %s: %w", binary, dir, err)
	}
	pid := cmd.Process.Pid
	s.Logger.Info("process started", "binary", binary, "dir", dir, "pid", pid)
	// Reap the child so it does not linger as a zombie.
	go func() {
		err := cmd.Wait()
		s.Logger.Debug("process exited", "binary", binary, "pid", pid, "err", err)
	}()
	return nil
}
