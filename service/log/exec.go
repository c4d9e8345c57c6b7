package log

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Stream identifies the output of a tool
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

// Classifier returns the level at which a line written by a tool is logged.
// The line is dropped if keep is false.
type Classifier func(line string, stream Stream) (level zapcore.Level, keep bool)

// DefaultLines logs stdout at debug level and stderr at warn level
func DefaultLines(line string, stream Stream) (zapcore.Level, bool) {
	if strings.TrimSpace(line) == "" {
		return zapcore.DebugLevel, false
	}
	if stream == Stderr {
		return zapcore.WarnLevel, true
	}
	return zapcore.DebugLevel, true
}

// GDALLines classifies the messages of the gdal utilities ("ERROR 4: ...", "Warning 1: ...", progress bars)
func GDALLines(line string, stream Stream) (zapcore.Level, bool) {
	trimmed := strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(trimmed, "ERROR"):
		return zapcore.ErrorLevel, true
	case strings.HasPrefix(trimmed, "Warning"):
		return zapcore.WarnLevel, true
	case strings.HasPrefix(trimmed, "0...10...20"), strings.HasSuffix(trimmed, "- done."):
		return zapcore.DebugLevel, true
	}
	return DefaultLines(line, stream)
}

// transientMessages are the error messages of a tool worth a retry
var transientMessages = []string{
	"temporary failure",
	"timed out",
}

// ToolLog logs the outputs of an external tool and remembers the last error it reported.
// Both streams may be read concurrently.
type ToolLog struct {
	name     string
	classify Classifier

	mu        sync.Mutex
	lastError string
}

// NewToolLog returns a ToolLog for the tool name. If classify is nil, DefaultLines is used.
func NewToolLog(name string, classify Classifier) *ToolLog {
	if classify == nil {
		classify = DefaultLines
	}
	return &ToolLog{name: name, classify: classify}
}

// LastError returns the last line logged at error level
func (tl *ToolLog) LastError() string {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.lastError
}

// Lines logs every line read from r, until EOF. Lines longer than the read buffer are clipped.
func (tl *ToolLog) Lines(ctx context.Context, r io.Reader, stream Stream) {
	logger := Logger(ctx).With(zap.String("tool", tl.name))
	br := bufio.NewReader(r)
	clipping := false
	for {
		line, err := br.ReadSlice('\n')
		switch {
		case err == bufio.ErrBufferFull:
			if !clipping {
				tl.print(logger, string(line)+" ...[Message clipped]", stream)
			}
			clipping = true
			continue
		case clipping:
			// end of a clipped line
			clipping = false
		case len(line) > 0:
			tl.print(logger, string(line), stream)
		}
		if err != nil {
			return
		}
	}
}

func (tl *ToolLog) print(logger *zap.Logger, line string, stream Stream) {
	level, keep := tl.classify(line, stream)
	if !keep {
		return
	}
	line = strings.TrimRight(line, "\r\n")
	if level >= zapcore.ErrorLevel {
		tl.mu.Lock()
		tl.lastError = strings.TrimSpace(line)
		tl.mu.Unlock()
	}
	if ce := logger.Check(level, line); ce != nil {
		ce.Write()
	}
}

// Err decorates the error returned by the tool with the last error it logged
func (tl *ToolLog) Err(err error) error {
	if err == nil {
		return nil
	}
	return &ToolError{Tool: tl.name, Message: tl.LastError(), Err: err}
}

// ToolError is returned when an external tool fails
type ToolError struct {
	Tool string
	// last error logged by the tool
	Message string
	Err     error
}

func (e *ToolError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("%s: %v (%s)", e.Tool, e.Err, e.Message)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Temporary is true if the tool reported a transient failure (network timeout...)
func (e *ToolError) Temporary() bool {
	msg := strings.ToLower(e.Message)
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// Run starts cmd, sends its outputs to tl and waits for it to exit.
// On ctx cancellation, the process is killed and ctx.Err() is returned.
// Otherwise, a failure of the command is returned as a *ToolError.
func Run(ctx context.Context, cmd *exec.Cmd, tl *ToolLog) error {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("Run.StdoutPipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("Run.StderrPipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return tl.Err(fmt.Errorf("Run.Start: %w", err))
	}

	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		tl.Lines(ctx, stdout, Stdout)
	}()
	go func() {
		defer wg.Done()
		tl.Lines(ctx, stderr, Stderr)
	}()

	done := make(chan error, 1)
	go func() {
		// pipes must be drained before Wait
		wg.Wait()
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		return tl.Err(err)
	case <-ctx.Done():
		if err := cmd.Process.Kill(); err != nil {
			Logger(ctx).Sugar().Warnf("kill %s: %v", tl.name, err)
			return ctx.Err()
		}
		<-done
		return ctx.Err()
	}
}
