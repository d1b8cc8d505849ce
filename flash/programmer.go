package flash

import (
	"context"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"

	"github.com/synthread/boardflash/internal/execline"
	"github.com/synthread/boardflash/progress"
)

// Target identifies the chip and link a programmer talks to
type Target struct {
	Chip string
	Port string
	Baud int
}

// Programmer writes and erases flash through an external tool. Every call is
// a complete, independent invocation; calls against the same port are made
// one after the other, never concurrently.
type Programmer interface {
	Write(ctx context.Context, t Target, segs []Segment) error
	EraseAll(ctx context.Context, t Target) error
	EraseRegion(ctx context.Context, t Target, offset, size uint32) error
}

// LiveReader reads size bytes of flash starting at offset from the attached
// board
type LiveReader func(ctx context.Context, offset, size uint32) ([]byte, error)

// Esptool drives esptool.py
type Esptool struct {
	Runner execline.Runner
	// Command is the executable and any leading arguments, for example
	// ["python3", "-m", "esptool"]
	Command []string
	Sink    progress.Sink
	// WorkDir holds read-back files, the system temp dir when empty
	WorkDir string
}

// NewEsptool returns a programmer invoking esptool.py from PATH
func NewEsptool() *Esptool {
	return &Esptool{
		Runner:  execline.ExecRunner{},
		Command: []string{"esptool.py"},
		Sink:    progress.Discard,
	}
}

func (e *Esptool) Write(ctx context.Context, t Target, segs []Segment) error {
	if len(segs) == 0 {
		return errors.New("nothing to write")
	}
	args := []string{"write_flash"}
	for _, s := range segs {
		args = append(args, hex(s.Offset), s.Path)
	}
	return e.run(ctx, progress.PhaseFlash, t, args)
}

func (e *Esptool) EraseAll(ctx context.Context, t Target) error {
	return e.run(ctx, progress.PhaseErase, t, []string{"erase_flash"})
}

func (e *Esptool) EraseRegion(ctx context.Context, t Target, offset, size uint32) error {
	return e.run(ctx, progress.PhaseErase, t, []string{"erase_region", hex(offset), hex(size)})
}

// ReadFlash reads size bytes at offset through read_flash
func (e *Esptool) ReadFlash(ctx context.Context, t Target, offset, size uint32) ([]byte, error) {
	dir, err := os.MkdirTemp(e.WorkDir, "readback-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	out := filepath.Join(dir, "flash.bin")
	if err := e.run(ctx, progress.PhaseResolve, t, []string{"read_flash", hex(offset), hex(size), out}); err != nil {
		return nil, err
	}
	return os.ReadFile(out)
}

// LiveReader binds ReadFlash to a target
func (e *Esptool) LiveReader(t Target) LiveReader {
	return func(ctx context.Context, offset, size uint32) ([]byte, error) {
		return e.ReadFlash(ctx, t, offset, size)
	}
}

func (e *Esptool) run(ctx context.Context, phase progress.Phase, t Target, op []string) error {
	if len(e.Command) == 0 {
		return errors.New("no programmer command configured")
	}
	args := append([]string{}, e.Command[1:]...)
	args = append(args, "--chip", t.Chip, "--port", t.Port, "--baud", strconv.Itoa(t.Baud))
	args = append(args, op...)

	cmd := execline.Command{Name: e.Command[0], Args: args}
	err := e.Runner.Run(ctx, cmd, func(line string) {
		progress.Infof(e.Sink, phase, "%s", line)
	})
	return errors.Wrapf(err, "%s failed", op[0])
}
