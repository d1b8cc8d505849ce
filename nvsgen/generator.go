package nvsgen

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/synthread/boardflash/internal/execline"
	"github.com/synthread/boardflash/progress"
)

// DefaultSize is the NVS partition size images are generated for
const DefaultSize uint32 = 0x5000

var ErrNoInterpreter = errors.New("no python interpreter found")

// DefaultInterpreters are tried in order, the name differs between platforms
var DefaultInterpreters = []string{"python3", "python"}

// Generator runs the NVS partition generator script
type Generator struct {
	Runner       execline.Runner
	Script       string
	Interpreters []string
	Size         uint32
	// WorkDir is where temporary documents and images are created, the system
	// temp dir when empty
	WorkDir string
	Sink    progress.Sink

	// LookPath resolves interpreter names, exec.LookPath when nil
	LookPath func(string) (string, error)
}

// NewGenerator returns a generator for the given script
func NewGenerator(script string) *Generator {
	return &Generator{
		Runner:       execline.ExecRunner{},
		Script:       script,
		Interpreters: DefaultInterpreters,
		Size:         DefaultSize,
		Sink:         progress.Discard,
	}
}

// Generate writes the image for c and returns its path. The image lives in a
// fresh temporary directory the caller removes once the image is flashed. The
// configuration travels to the generator as a document file, never on the
// command line.
func (g *Generator) Generate(ctx context.Context, c PinConfig) (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}
	interp, err := g.interpreter()
	if err != nil {
		return "", err
	}

	dir, err := os.MkdirTemp(g.WorkDir, "nvs-*")
	if err != nil {
		return "", errors.Wrap(err, "could not create work dir")
	}

	doc := filepath.Join(dir, "pins.csv")
	out := filepath.Join(dir, "pins_nvs.bin")

	f, err := os.Create(doc)
	if err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	err = c.WriteCSV(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.RemoveAll(dir)
		return "", errors.Wrap(err, "could not write pin document")
	}
	defer os.Remove(doc)

	size := g.Size
	if size == 0 {
		size = DefaultSize
	}
	cmd := execline.Command{
		Name: interp,
		Args: []string{g.Script, "generate", doc, out, fmt.Sprintf("0x%x", size)},
	}
	err = g.Runner.Run(ctx, cmd, func(line string) {
		progress.Infof(g.Sink, progress.PhaseFlash, "%s", line)
	})
	if err != nil {
		os.RemoveAll(dir)
		return "", errors.Wrap(err, "nvs generator failed")
	}
	if _, err := os.Stat(out); err != nil {
		os.RemoveAll(dir)
		return "", errors.Wrap(err, "nvs generator produced no image")
	}

	logrus.Debugf("nvsgen: image %s", out)
	return out, nil
}

func (g *Generator) interpreter() (string, error) {
	look := g.LookPath
	if look == nil {
		look = exec.LookPath
	}
	names := g.Interpreters
	if len(names) == 0 {
		names = DefaultInterpreters
	}
	for _, name := range names {
		if p, err := look(name); err == nil {
			return p, nil
		}
	}
	return "", ErrNoInterpreter
}
