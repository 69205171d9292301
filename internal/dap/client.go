package dap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"time"

	"github.com/withObsrvr/obsrvr-dap-collector/internal/batch"
	"github.com/withObsrvr/obsrvr-dap-collector/internal/config"
	"github.com/withObsrvr/obsrvr-dap-collector/internal/logging"
)

// Request describes one collection of one task over one batch window.
type Request struct {
	Task    config.Task
	Window  batch.Window
	Leader  string
	Timeout time.Duration // zero means config.DefaultCollectTimeout

	BearerToken    config.Secret
	HPKEConfig     config.Secret
	HPKEPrivateKey config.Secret
}

// Client collects one aggregate. Implementations never retry.
type Client interface {
	Collect(ctx context.Context, req Request) Outcome
}

// ExecClient runs the collect executable as a subprocess.
type ExecClient struct {
	Path string

	log *slog.Logger
}

// NewExecClient returns a client that runs the executable at path.
func NewExecClient(path string) *ExecClient {
	return &ExecClient{
		Path: path,
		log:  logging.Component("dap"),
	}
}

// Args builds the command line for req. The returned slice holds secrets and
// must not be logged.
func Args(req Request) []string {
	args := []string{
		"--task-id", req.Task.ID,
		"--leader", req.Leader,
		"--vdaf", string(req.Task.VDAF),
	}
	if req.Task.VDAF != config.VDAFSum {
		args = append(args, "--length", strconv.Itoa(req.Task.Length))
	}
	if req.Task.Bits > 0 && req.Task.VDAF != config.VDAFHistogram {
		args = append(args, "--bits", strconv.Itoa(req.Task.Bits))
	}
	return append(args,
		"--authorization-bearer-token", req.BearerToken.Reveal(),
		"--batch-interval-start", strconv.FormatInt(req.Window.IntervalStart(), 10),
		"--batch-interval-duration", strconv.FormatInt(req.Window.IntervalSeconds(), 10),
		"--hpke-config", req.HPKEConfig.Reveal(),
		"--hpke-private-key", req.HPKEPrivateKey.Reveal(),
	)
}

// Collect runs the executable and classifies its result. The process runs in
// its own process group, which is killed when the timeout expires or ctx is
// cancelled.
func (c *ExecClient) Collect(ctx context.Context, req Request) Outcome {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = config.DefaultCollectTimeout
	}
	log := c.log.With("task_id", req.Task.ID, "window", req.Window.String())

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.Path, Args(req)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	setProcessGroup(cmd)
	cmd.WaitDelay = 5 * time.Second

	log.Info("invoking collector",
		"batch_start", req.Window.IntervalStart(),
		"batch_duration", req.Window.IntervalSeconds(),
		"timeout", timeout,
	)
	start := time.Now()
	err := cmd.Run()

	o := result(ctx, runCtx, timeout, stdout.String(), stderr.String(), err)
	if _, ok := o.(*Timeout); ok {
		log.Warn("collector timed out", "elapsed", time.Since(start))
	}
	return o
}

// result classifies a finished run. The deadline and cancellation only
// explain a run that failed: output of a clean exit is classified as is,
// even when the deadline passed right after it.
func result(ctx, runCtx context.Context, timeout time.Duration, stdout, stderr string, runErr error) Outcome {
	if runErr != nil {
		// The deadline of the parent context counts as a timeout too,
		// cancellation does not.
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return &Timeout{After: timeout, Stderr: stderr}
		}
		if ctx.Err() != nil {
			return &InvocationFailure{ExitCode: -1, Stderr: stderr, Err: ctx.Err()}
		}
	}
	return classify(stdout, stderr, runErr)
}

// classify turns the captured output of a finished process into an Outcome.
func classify(stdout, stderr string, runErr error) Outcome {
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return &InvocationFailure{ExitCode: -1, Stderr: stderr, Err: runErr}
		}
		if he, ok := ParseHTTPError(stderr); ok {
			return he
		}
		if he, ok := ParseHTTPError(stdout); ok {
			return he
		}
		return &InvocationFailure{ExitCode: exitErr.ExitCode(), Stderr: stderr}
	}

	s, ok, err := ParseOutput(stdout)
	if err != nil {
		return &InvocationFailure{ExitCode: 0, Stderr: stderr, Err: fmt.Errorf("read collector output: %w", err)}
	}
	if ok {
		return s
	}
	if he, ok := ParseHTTPError(stderr); ok {
		return he
	}
	if he, ok := ParseHTTPError(stdout); ok {
		return he
	}
	return &InvocationFailure{
		ExitCode: 0,
		Stderr:   stderr,
		Err:      errors.New("collector exited without an aggregation result"),
	}
}
