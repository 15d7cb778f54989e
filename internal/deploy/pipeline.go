// Package deploy executes post-renewal actions: file copies, container
// restarts, and shell commands. Actions run in the record's configured order;
// a failure is recorded per action and never aborts the remainder.
package deploy

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/certmgr/internal/model"
)

const (
	// DefaultCommandTimeout bounds one command action.
	DefaultCommandTimeout = 120 * time.Second
	// outputCap limits captured stdout/stderr per command.
	outputCap = 64 * 1024
)

// Pipeline runs deploy actions for renewed records.
type Pipeline struct {
	logger         zerolog.Logger
	docker         DockerClient
	commandTimeout time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithCommandTimeout overrides the default per-command timeout.
func WithCommandTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.commandTimeout = d }
}

// NewPipeline creates a pipeline. docker may be nil; docker_restart actions
// then fail with DockerUnavailable.
func NewPipeline(logger zerolog.Logger, docker DockerClient, opts ...Option) *Pipeline {
	p := &Pipeline{
		logger:         logger.With().Str("component", "deploy").Logger(),
		docker:         docker,
		commandTimeout: DefaultCommandTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes the record's actions in array order. The overall OK is the
// AND of the per-action results; every action is attempted regardless of
// earlier failures.
func (p *Pipeline) Run(ctx context.Context, rec *model.Certificate, actions []model.DeployAction) model.PipelineResult {
	result := model.PipelineResult{OK: true}
	for _, action := range actions {
		r := p.runAction(ctx, rec, action)
		if !r.OK {
			result.OK = false
			p.logger.Error().
				Str("record", rec.Name).
				Str("action", string(action.Type)).
				Str("kind", string(r.ErrKind)).
				Str("message", r.Message).
				Msg("deploy action failed")
		} else {
			p.logger.Info().
				Str("record", rec.Name).
				Str("action", string(action.Type)).
				Dur("duration", r.Duration).
				Msg("deploy action completed")
		}
		result.Actions = append(result.Actions, r)
	}
	return result
}

func (p *Pipeline) runAction(ctx context.Context, rec *model.Certificate, action model.DeployAction) model.ActionResult {
	start := time.Now()
	r := model.ActionResult{Action: action, OK: true}

	var err error
	switch action.Type {
	case model.ActionCopy:
		err = p.copyMaterial(rec, action.Destination)
	case model.ActionDockerRestart:
		err = p.restartContainer(ctx, action.ContainerRef())
	case model.ActionCommand:
		r.Stdout, r.Stderr, err = p.runCommand(ctx, action.Command)
	default:
		err = model.E(model.KindCommandFailed, "unknown action type %q", action.Type)
	}
	r.Duration = time.Since(start)
	if err != nil {
		r.OK = false
		r.ErrKind = model.KindOf(err)
		r.Message = err.Error()
	}
	return r
}

// copyMaterial writes the live cert, key, and chain to the destination. A
// trailing separator preserves the source file names; otherwise the
// destination is a base path receiving .crt/.key/.chain.crt suffixes. Each
// file lands via write-then-rename in the target directory.
func (p *Pipeline) copyMaterial(rec *model.Certificate, destination string) error {
	type item struct {
		src    string
		suffix string
	}
	items := []item{{rec.CertPath, ".crt"}}
	if rec.KeyPath != "" {
		items = append(items, item{rec.KeyPath, ".key"})
	}
	if rec.ChainPath != "" {
		items = append(items, item{rec.ChainPath, ".chain.crt"})
	}

	intoDir := strings.HasSuffix(destination, string(os.PathSeparator)) || strings.HasSuffix(destination, "/")
	targetDir := destination
	if !intoDir {
		targetDir = filepath.Dir(destination)
	}
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return model.Wrap(model.KindIO, err, "create destination %s", targetDir)
	}

	for _, it := range items {
		data, err := os.ReadFile(it.src)
		if err != nil {
			return model.Wrap(model.KindIO, err, "read %s", it.src)
		}
		var target string
		if intoDir {
			target = filepath.Join(targetDir, filepath.Base(it.src))
		} else {
			target = destination + it.suffix
		}
		if err := atomicWrite(target, data); err != nil {
			return err
		}
	}
	return nil
}

func atomicWrite(target string, data []byte) error {
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		os.Remove(tmp)
		return model.Wrap(model.KindIO, err, "write %s", tmp)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return model.Wrap(model.KindIO, err, "replace %s", target)
	}
	return nil
}

func (p *Pipeline) restartContainer(ctx context.Context, ref string) error {
	if p.docker == nil {
		return model.E(model.KindDockerUnavailable, "docker engine is not configured")
	}
	return p.docker.Restart(ctx, ref)
}

// runCommand executes a shell command line with a bounded timeout and capped
// output capture. The environment is sanitized of secret-bearing variables.
func (p *Pipeline) runCommand(ctx context.Context, command string) (stdout, stderr string, err error) {
	cctx, cancel := context.WithTimeout(ctx, p.commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "sh", "-c", command)
	cmd.Env = sanitizedEnv()
	var outBuf, errBuf cappedBuffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	stdout, stderr = outBuf.String(), errBuf.String()

	if runErr == nil {
		return stdout, stderr, nil
	}
	if cctx.Err() == context.DeadlineExceeded {
		return stdout, stderr, model.E(model.KindCommandFailed, "command timed out after %s", p.commandTimeout)
	}
	if ctx.Err() != nil {
		return stdout, stderr, model.Wrap(model.KindCancelled, ctx.Err(), "command cancelled")
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return stdout, stderr, model.E(model.KindCommandFailed, "exit code %d: %s", exitErr.ExitCode(), firstLine(stderr))
	}
	return stdout, stderr, model.Wrap(model.KindCommandFailed, runErr, "start command")
}

// sanitizedEnv filters out variables likely to carry secrets so deploy
// commands never inherit passphrases.
func sanitizedEnv() []string {
	var env []string
	for _, kv := range os.Environ() {
		name := strings.ToUpper(kv)
		if i := strings.IndexByte(name, '='); i >= 0 {
			name = name[:i]
		}
		if strings.Contains(name, "PASSPHRASE") ||
			strings.Contains(name, "PASSWORD") ||
			strings.Contains(name, "SECRET") {
			continue
		}
		env = append(env, kv)
	}
	return env
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// cappedBuffer keeps at most outputCap bytes and silently discards the rest.
type cappedBuffer struct {
	buf bytes.Buffer
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := outputCap - b.buf.Len()
	if remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string { return b.buf.String() }
