package firewall

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"time"

	"netauth/pkg/metrics"
	"netauth/pkg/model"
)

// Runner executes packet filter commands.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands on the host, each bounded by Timeout.
// It never retries.
type ExecRunner struct {
	Timeout time.Duration
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	_, err := r.Output(ctx, name, args...)
	return err
}

// Output returns stdout. On failure the error is an *model.ExternalCommandError
// carrying stderr.
func (r *ExecRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	result := "ok"
	if err != nil {
		result = "error"
	}
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	if timedOut {
		result = "timeout"
	}
	metrics.CommandDuration.WithLabelValues(filepath.Base(name), result).Observe(time.Since(start).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return stdout.Bytes(), &model.ExternalCommandError{
			Command: name,
			Args:    args,
			Output:  stderr.String(),
			Timeout: timedOut,
			Err:     err,
		}
	}
	return stdout.Bytes(), nil
}
