package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/mattjoyce/meds-etl/internal/protocol"
	"github.com/mattjoyce/meds-etl/internal/stage"
)

const (
	// maxStderrBytes caps the amount of stderr captured from a stage.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// ErrStageTimeout is returned when a stage outlives its manifest timeout.
var ErrStageTimeout = errors.New("stage timed out")

// cappedBuffer keeps the first max bytes written and drops the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if room := c.max - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
			c.truncated = true
		} else {
			c.buf.Write(p)
		}
	} else if len(p) > 0 {
		c.truncated = true
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	return c.buf.String()
}

// spawnStage runs the stage entrypoint, writes req to stdin and reads the
// response from stdout. It returns the captured stderr in every case.
func spawnStage(
	ctx context.Context,
	st *stage.Stage,
	req *protocol.Request,
	grace time.Duration,
	logger *slog.Logger,
) (*protocol.Response, string, error) {
	timeoutTimer := time.NewTimer(st.Timeout)
	defer timeoutTimer.Stop()

	// Termination is managed here rather than by CommandContext so SIGTERM
	// comes before SIGKILL.
	cmd := exec.Command(st.Entrypoint, st.Args...)
	cmd.Dir = st.Path
	// Own process group, so signals reach the children a stage script starts.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = grace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, "", fmt.Errorf("create stdin pipe: %w", err)
	}

	var stdout bytes.Buffer
	stderr := &cappedBuffer{max: maxStderrBytes}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	logger.Debug("spawning stage", "entrypoint", st.Entrypoint, "timeout", st.Timeout)

	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("start process: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		if err := protocol.EncodeRequest(stdin, req); err != nil {
			writeErr <- fmt.Errorf("encode request: %w", err)
			return
		}
		writeErr <- nil
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	terminate := func(reason error) (*protocol.Response, string, error) {
		logger.Warn("terminating stage, sending SIGTERM", "reason", reason)
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM", "error", err)
		}

		graceTimer := time.NewTimer(grace)
		defer graceTimer.Stop()

		select {
		case <-waitErr:
			logger.Info("stage exited after SIGTERM")
		case <-graceTimer.C:
			logger.Warn("stage did not exit after SIGTERM, sending SIGKILL")
			if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
				logger.Error("failed to send SIGKILL", "error", err)
			}
			<-waitErr
		}
		return nil, stderr.String(), reason
	}

	select {
	case <-timeoutTimer.C:
		return terminate(fmt.Errorf("%w after %s", ErrStageTimeout, st.Timeout))

	case <-ctx.Done():
		return terminate(ctx.Err())

	case err := <-waitErr:
		werr := <-writeErr
		if werr != nil && !stdinClosedEarly(werr) {
			return nil, stderr.String(), werr
		}
		if stderr.truncated {
			logger.Debug("stage stderr truncated", "limit", maxStderrBytes)
		}

		exitCode := 0
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return nil, stderr.String(), fmt.Errorf("wait for process: %w", err)
			}
			exitCode = exitErr.ExitCode()
			logger.Warn("stage exited with non-zero status", "exit_code", exitCode)
		}

		resp, rawBytes, err := protocol.DecodeResponseLenient(bytes.NewReader(stdout.Bytes()))
		if err != nil && werr != nil {
			return nil, stderr.String(), werr
		}
		if werr != nil {
			logger.Debug("stage answered without reading the whole request", "error", werr)
		}
		if err != nil {
			logger.Error("failed to decode stage response", "error", err, "stdout", string(rawBytes))
			if exitCode != 0 {
				return nil, stderr.String(), fmt.Errorf("exit status %d: decode response: %w", exitCode, err)
			}
			return nil, stderr.String(), fmt.Errorf("decode response: %w", err)
		}
		if exitCode != 0 && resp.OK() {
			return nil, stderr.String(), fmt.Errorf("stage reported ok but exited with status %d", exitCode)
		}

		return resp, stderr.String(), nil
	}
}

// stdinClosedEarly reports a request write that failed only because the stage
// exited, or closed stdin, before reading all of it.
func stdinClosedEarly(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed)
}
