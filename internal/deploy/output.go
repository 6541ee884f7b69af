package deploy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/standardbeagle/mcplab/internal/logs"
)

// LogFileNames returns the stdout and stderr log file names for a port.
func LogFileNames(port int) (string, string) {
	return fmt.Sprintf("service_%d.log", port), fmt.Sprintf("service_%d_error.log", port)
}

// output is a deployment's captured stdout and stderr: log files, or
// memory buffers when the files could not be created.
type output struct {
	stdout     io.Writer
	stderr     io.Writer
	stdoutPath string
	stderrPath string
	files      []*os.File
	closeOnce  sync.Once
}

func (m *Manager) openLogs(projectID string, port int) (*output, error) {
	if m.opts.LogsDir == "" {
		return nil, errors.New("no logs directory configured")
	}
	dir := filepath.Join(m.opts.LogsDir, projectID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	outName, errName := LogFileNames(port)
	stdout, err := os.Create(filepath.Join(dir, outName))
	if err != nil {
		return nil, err
	}
	stderr, err := os.Create(filepath.Join(dir, errName))
	if err != nil {
		stdout.Close()
		return nil, err
	}
	return &output{
		stdout:     stdout,
		stderr:     stderr,
		stdoutPath: stdout.Name(),
		stderrPath: stderr.Name(),
		files:      []*os.File{stdout, stderr},
	}, nil
}

func memoryOutput() *output {
	return &output{stdout: &lineBuffer{}, stderr: &lineBuffer{}}
}

func (o *output) Close() error {
	var errs []error
	o.closeOnce.Do(func() {
		for _, f := range o.files {
			if err := f.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

func (o *output) Tail(stderr bool, n int) ([]string, error) {
	path, w := o.stdoutPath, o.stdout
	if stderr {
		path, w = o.stderrPath, o.stderr
	}
	if path != "" {
		return logs.TailFile(path, n)
	}
	if buf, ok := w.(*lineBuffer); ok {
		return buf.tail(n), nil
	}
	return nil, nil
}

func tailOrNil(o *output, stderr bool, n int) []string {
	lines, err := o.Tail(stderr, n)
	if err != nil {
		return nil
	}
	return lines
}

// lineBuffer is an in-memory output sink.
type lineBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lineBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lineBuffer) tail(n int) []string {
	b.mu.Lock()
	text := strings.TrimSuffix(b.buf.String(), "\n")
	b.mu.Unlock()

	if text == "" || n <= 0 {
		return []string{}
	}
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
