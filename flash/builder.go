package flash

import (
	"context"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/synthread/boardflash/internal/execline"
	"github.com/synthread/boardflash/progress"
)

// ProjectMarker is the file that makes a package directory a buildable
// project
const ProjectMarker = "platformio.ini"

// UploadPortEnv names the upload port for the builder
const UploadPortEnv = "PLATFORMIO_UPLOAD_PORT"

// BuildTarget is a builder target
type BuildTarget string

const (
	TargetClean    BuildTarget = "clean"
	TargetUpload   BuildTarget = "upload"
	TargetUploadFS BuildTarget = "uploadfs"
)

// Builder compiles a project and uploads it with its own programmer
// invocation
type Builder interface {
	Run(ctx context.Context, project, env string, target BuildTarget, port string) error
}

// PlatformIO drives the pio command line
type PlatformIO struct {
	Runner  execline.Runner
	Command []string
	Sink    progress.Sink
}

// NewPlatformIO returns a builder invoking pio from PATH
func NewPlatformIO() *PlatformIO {
	return &PlatformIO{
		Runner:  execline.ExecRunner{},
		Command: []string{"pio"},
		Sink:    progress.Discard,
	}
}

func (p *PlatformIO) Run(ctx context.Context, project, env string, target BuildTarget, port string) error {
	if len(p.Command) == 0 {
		return errors.New("no builder command configured")
	}
	args := append([]string{}, p.Command[1:]...)
	args = append(args, "run", "-d", project, "-e", env, "-t", string(target))

	cmd := execline.Command{Name: p.Command[0], Args: args, Dir: project}
	if port != "" {
		cmd.Env = []string{UploadPortEnv + "=" + port}
	}
	err := p.Runner.Run(ctx, cmd, func(line string) {
		progress.Infof(p.Sink, progress.PhaseBuild, "%s", line)
	})
	return errors.Wrapf(err, "%s %s failed", p.Command[0], target)
}

// buildDir is where the builder keeps artifacts for an environment
func buildDir(project, env string) string {
	return filepath.Join(project, ".pio", "build", env)
}
