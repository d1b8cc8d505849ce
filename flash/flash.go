package flash

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/synthread/boardflash/board"
	"github.com/synthread/boardflash/internal/execline"
	"github.com/synthread/boardflash/internal/fsretry"
	"github.com/synthread/boardflash/nvsgen"
	"github.com/synthread/boardflash/partition"
	"github.com/synthread/boardflash/progress"
)

// Image file names in a prebuilt package
const (
	ImageBootloader     = "bootloader.bin"
	ImagePartitionTable = "partitions.bin"
	ImageApplication    = "firmware.bin"
	ImageFilesystem     = "spiffs.bin"
)

var ErrMissingApplication = errors.New("package has no application image")
var ErrNoBuilder = errors.New("package is a project but no builder is configured")

// DefaultCleanTimeout caps the best-effort clean before a build
var DefaultCleanTimeout = 15 * time.Second

// DefaultReleasePause gives exited tools time to let go of build files
var DefaultReleasePause = 2 * time.Second

// Mode is how a package reaches the board
type Mode string

const (
	ModePrebuilt Mode = "prebuilt"
	ModeBuild    Mode = "build"
)

// DetectMode returns ModeBuild when dir holds a project marker
func DetectMode(dir string) Mode {
	if exists(filepath.Join(dir, ProjectMarker)) {
		return ModeBuild
	}
	return ModePrebuilt
}

// OverlayGenerator produces the NVS configuration image
type OverlayGenerator interface {
	Generate(ctx context.Context, c nvsgen.PinConfig) (string, error)
}

// Request describes one provisioning run
type Request struct {
	Board board.Profile
	// Dir is the resolved package directory
	Dir string
	// Environment overrides the board's builder environment
	Environment string
	// Pins requests a configuration overlay when set and not empty
	Pins *nvsgen.PinConfig
	// LiveRead reads the partition table back from the board, optional and
	// only used for prebuilt packages
	LiveRead LiveReader
}

// Result of a provisioning run. Success is false only when no working
// firmware reached the board; Warning carries failures that happened after
// the application image was written.
type Result struct {
	Success bool
	Warning string
	Mode    Mode
	Plan    *Plan
	// Err and Output describe a fatal failure, Output is the captured tool
	// output
	Err    error
	Output string
}

// Flasher sequences the writes for a package. All steps run one after the
// other on the session's port.
type Flasher struct {
	Programmer Programmer
	Builder    Builder
	Generator  OverlayGenerator
	Resolver   *Resolver
	Sink       progress.Sink

	CleanTimeout time.Duration
	ReleasePause time.Duration
}

// NewFlasher returns a flasher with default timeouts
func NewFlasher(p Programmer, b Builder, g OverlayGenerator, sink progress.Sink) *Flasher {
	if sink == nil {
		sink = progress.Discard
	}
	return &Flasher{
		Programmer:   p,
		Builder:      b,
		Generator:    g,
		Resolver:     NewResolver(sink),
		Sink:         sink,
		CleanTimeout: DefaultCleanTimeout,
		ReleasePause: DefaultReleasePause,
	}
}

// Flash provisions the package in req.Dir onto the board on s
func (f *Flasher) Flash(ctx context.Context, s *Session, req Request) Result {
	mode := DetectMode(req.Dir)
	logrus.WithFields(logrus.Fields{
		"board": req.Board.ID,
		"port":  s.Port(),
		"mode":  mode,
	}).Debug("flash")

	var res Result
	if mode == ModeBuild {
		res = f.flashProject(ctx, s, req)
	} else {
		res = f.flashPrebuilt(ctx, s, req)
	}
	res.Mode = mode

	if res.Success {
		if res.Warning != "" {
			progress.Warnf(f.Sink, progress.PhaseFlash, "completed with warnings: %s", res.Warning)
		} else {
			progress.Infof(f.Sink, progress.PhaseFlash, "completed")
		}
	}
	return res
}

func fatal(err error) Result {
	return Result{Err: err, Output: execline.OutputOf(err)}
}

func (f *Flasher) flashPrebuilt(ctx context.Context, s *Session, req Request) Result {
	p := req.Board
	app := filepath.Join(req.Dir, ImageApplication)
	if !exists(app) {
		return fatal(errors.Wrap(ErrMissingApplication, req.Dir))
	}

	plan := &Plan{Target: s.Target(p.Chip)}
	for _, img := range []struct {
		region board.Region
		name   string
	}{
		{board.RegionBootloader, ImageBootloader},
		{board.RegionPartitionTable, ImagePartitionTable},
		{board.RegionApplication, ImageApplication},
	} {
		path := filepath.Join(req.Dir, img.name)
		at, ok := p.Address(img.region)
		if !ok {
			if img.region == board.RegionApplication {
				return fatal(errors.Errorf("board %s has no application address", p.ID))
			}
			continue
		}
		if !exists(path) {
			progress.Infof(f.Sink, progress.PhaseFlash, "no %s in package, skipping", img.name)
			continue
		}
		plan.Add(img.region, at, path)
	}
	if err := plan.Validate(); err != nil {
		return fatal(err)
	}

	if err := s.prepare(); err != nil {
		return fatal(err)
	}
	progress.Infof(f.Sink, progress.PhaseFlash, "writing %s", plan)
	if err := f.Programmer.Write(ctx, plan.Target, plan.Base()); err != nil {
		return fatal(err)
	}

	// the application is on the board, nothing below fails the run
	var warnings []string

	fsImage := filepath.Join(req.Dir, ImageFilesystem)
	if !exists(fsImage) {
		warnings = append(warnings, "package has no filesystem image")
		progress.Warnf(f.Sink, progress.PhaseFlash, "no %s in package, filesystem not written", ImageFilesystem)
	} else {
		// resolved after the base write so a live read sees the table just written
		packaged := readOptional(filepath.Join(req.Dir, ImagePartitionTable))
		r := f.resolver().Resolve(ctx, p, packaged, req.LiveRead)
		if !r.Found() {
			warnings = append(warnings, "filesystem image not written: no filesystem address")
			progress.Warnf(f.Sink, progress.PhaseFlash, "no filesystem address for board %s, %s not written", p.ID, ImageFilesystem)
		} else if err := plan.tryAdd(board.RegionFilesystem, r.Offset, fsImage); err != nil {
			warnings = append(warnings, "filesystem image not written: "+err.Error())
			progress.Warnf(f.Sink, progress.PhaseFlash, "filesystem image not written: %v", err)
		} else if err := f.writeOverlay(ctx, s, plan, board.RegionFilesystem); err != nil {
			warnings = append(warnings, "filesystem write failed: "+err.Error())
			progress.Warnf(f.Sink, progress.PhaseFlash, "filesystem write failed: %v", err)
		}
	}

	if w := f.configOverlay(ctx, s, req, plan, readOptional(filepath.Join(req.Dir, ImagePartitionTable))); w != "" {
		warnings = append(warnings, w)
	}

	return Result{Success: true, Warning: strings.Join(warnings, "; "), Plan: plan}
}

func (f *Flasher) flashProject(ctx context.Context, s *Session, req Request) Result {
	if f.Builder == nil {
		return fatal(ErrNoBuilder)
	}
	env := req.Environment
	if env == "" {
		env = req.Board.Environment
	}
	port := s.Port()

	// best effort, a hung or failed clean never blocks the build
	cctx, cancel := context.WithTimeout(ctx, f.cleanTimeout())
	err := f.Builder.Run(cctx, req.Dir, env, TargetClean, port)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return fatal(ctx.Err())
		}
		progress.Infof(f.Sink, progress.PhaseBuild, "clean did not complete (%v), continuing", err)
	}

	// clean can leave files behind when another process still holds them
	out := buildDir(req.Dir, env)
	if err := fsretry.RemoveAll(ctx, out); err != nil {
		progress.Infof(f.Sink, progress.PhaseBuild, "could not remove %s: %v", out, err)
	}
	if err := sleep(ctx, f.ReleasePause); err != nil {
		return fatal(err)
	}

	if err := s.prepare(); err != nil {
		return fatal(err)
	}
	progress.Infof(f.Sink, progress.PhaseBuild, "building and uploading environment %s", env)
	if err := f.Builder.Run(ctx, req.Dir, env, TargetUpload, port); err != nil {
		return fatal(err)
	}

	// the application is on the board, nothing below fails the run
	var warnings []string

	plan := &Plan{Target: s.Target(req.Board.Chip)}
	if at, ok := req.Board.Address(board.RegionApplication); ok {
		plan.Add(board.RegionApplication, at, filepath.Join(out, ImageApplication))
	}

	progress.Infof(f.Sink, progress.PhaseBuild, "uploading filesystem image")
	err = s.prepare()
	if err == nil {
		err = f.Builder.Run(ctx, req.Dir, env, TargetUploadFS, port)
	}
	if err != nil {
		warnings = append(warnings, "filesystem upload failed: "+err.Error())
		progress.Warnf(f.Sink, progress.PhaseBuild, "filesystem upload failed: %v", err)
	} else {
		// the builder picks the address itself, this is for the record only
		packaged := readOptional(filepath.Join(out, ImagePartitionTable))
		r := f.resolver().Resolve(ctx, req.Board, packaged, nil)
		if !r.Found() {
			logrus.Debugf("flash: filesystem address unknown, not recorded in plan")
		} else if err := plan.tryAdd(board.RegionFilesystem, r.Offset, filepath.Join(out, ImageFilesystem)); err != nil {
			logrus.Debugf("flash: filesystem not recorded in plan: %v", err)
		}
	}

	if w := f.configOverlay(ctx, s, req, plan, readOptional(filepath.Join(out, ImagePartitionTable))); w != "" {
		warnings = append(warnings, w)
	}

	return Result{Success: true, Warning: strings.Join(warnings, "; "), Plan: plan}
}

// configOverlay generates and writes the NVS image when one was requested. It
// returns a warning, never an error.
func (f *Flasher) configOverlay(ctx context.Context, s *Session, req Request, plan *Plan, packaged []byte) string {
	if req.Pins == nil || req.Pins.IsEmpty() {
		return ""
	}
	if f.Generator == nil {
		progress.Warnf(f.Sink, progress.PhaseFlash, "configuration overlay requested but no generator configured")
		return "configuration overlay skipped: no generator configured"
	}

	at, ok := nvsAddress(req.Board, packaged)
	if !ok {
		progress.Warnf(f.Sink, progress.PhaseFlash, "board %s has no nvs address", req.Board.ID)
		return "configuration overlay skipped: no nvs address"
	}

	progress.Infof(f.Sink, progress.PhaseFlash, "generating configuration overlay")
	img, err := f.Generator.Generate(ctx, *req.Pins)
	if err != nil {
		progress.Warnf(f.Sink, progress.PhaseFlash, "configuration overlay generation failed: %v", err)
		return "configuration overlay failed: " + err.Error()
	}
	defer os.RemoveAll(filepath.Dir(img))

	if err := plan.tryAdd(board.RegionNVS, at, img); err != nil {
		progress.Warnf(f.Sink, progress.PhaseFlash, "configuration overlay not written: %v", err)
		return "configuration overlay not written: " + err.Error()
	}
	if err := f.writeOverlay(ctx, s, plan, board.RegionNVS); err != nil {
		progress.Warnf(f.Sink, progress.PhaseFlash, "configuration overlay write failed: %v", err)
		return "configuration overlay failed: " + err.Error()
	}
	return ""
}

// writeOverlay writes one overlay segment in its own programmer invocation,
// so its failure leaves the earlier writes alone
func (f *Flasher) writeOverlay(ctx context.Context, s *Session, plan *Plan, r board.Region) error {
	seg, ok := plan.Segment(r)
	if !ok {
		return errors.Errorf("no %s segment", r)
	}
	if err := s.prepare(); err != nil {
		return err
	}
	progress.Infof(f.Sink, progress.PhaseFlash, "writing %s at %s", r, hex(seg.Offset))
	return f.Programmer.Write(ctx, plan.Target, []Segment{seg})
}

func (f *Flasher) resolver() *Resolver {
	if f.Resolver == nil {
		f.Resolver = NewResolver(f.Sink)
	}
	return f.Resolver
}

func (f *Flasher) cleanTimeout() time.Duration {
	if f.CleanTimeout <= 0 {
		return DefaultCleanTimeout
	}
	return f.CleanTimeout
}

// nvsAddress prefers the NVS entry of the packaged table over the catalog
func nvsAddress(p board.Profile, packaged []byte) (uint32, bool) {
	if len(packaged) > 0 {
		for _, e := range partition.ScanStructured(packaged).Entries {
			if e.Type == partition.TypeData && e.SubType == partition.SubTypeNVS {
				return e.Offset, true
			}
		}
	}
	return p.Address(board.RegionNVS)
}

func readOptional(path string) []byte {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return bs
}
