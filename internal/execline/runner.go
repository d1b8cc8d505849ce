// Package execline runs external tools and forwards their output line by line
// as it is produced.
package execline

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// MaxCaptured is how many trailing output lines an ExitError keeps
var MaxCaptured = 200

// Command describes one process invocation
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env is added to the inherited environment, KEY=value
	Env []string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// LineFunc receives each output line. It is called from a single goroutine.
type LineFunc func(line string)

// Runner starts a command and waits for it to exit. A non-zero exit is
// reported as *ExitError.
type Runner interface {
	Run(ctx context.Context, cmd Command, onLine LineFunc) error
}

// ExitError is returned when a command ran but did not succeed
type ExitError struct {
	Command Command
	Code    int
	Output  string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d", e.Command.Name, e.Code)
}

// OutputOf returns the captured output of the first *ExitError in err's chain
func OutputOf(err error) string {
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Output
	}
	return ""
}

// ExecRunner runs commands with os/exec. Stdout and stderr are merged.
type ExecRunner struct {
	// WaitDelay bounds how long Run waits for output after the process is
	// killed by context cancellation
	WaitDelay time.Duration
}

func (r ExecRunner) Run(ctx context.Context, c Command, onLine LineFunc) error {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 2 * time.Second
	}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	tail := newTail(MaxCaptured)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		Forward(pr, func(line string) {
			tail.add(line)
			if onLine != nil {
				onLine(line)
			}
		})
	}()

	logrus.Debugf("exec: %s", c)
	err := cmd.Run()
	pw.Close()
	wg.Wait()

	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return errors.Wrapf(ctx.Err(), "%s interrupted", c.Name)
	}
	var xe *exec.ExitError
	if errors.As(err, &xe) {
		return &ExitError{Command: c, Code: xe.ExitCode(), Output: tail.String()}
	}
	return errors.Wrapf(err, "could not run %s", c.Name)
}

// Forward reads r until EOF and calls onLine for every non-empty line. Lines
// end at \n or \r so carriage-return progress bars are forwarded per update.
func Forward(r io.Reader, onLine LineFunc) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1024*1024)
	sc.Split(scanLines)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " \t")
		if line == "" {
			continue
		}
		onLine(line)
	}
	// drain so the writer never blocks on a scanner error
	io.Copy(io.Discard, r)
}

func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

type tail struct {
	max   int
	lines []string
}

func newTail(max int) *tail {
	return &tail{max: max}
}

func (t *tail) add(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *tail) String() string {
	return strings.Join(t.lines, "\n")
}
