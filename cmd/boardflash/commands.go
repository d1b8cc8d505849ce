package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/synthread/boardflash/board"
	"github.com/synthread/boardflash/config"
	"github.com/synthread/boardflash/flash"
	"github.com/synthread/boardflash/nvsgen"
	"github.com/synthread/boardflash/partition"
	"github.com/synthread/boardflash/pkgcache"
	"github.com/synthread/boardflash/progress"
)

// sessionFlags select the port and optional GPIO strapping
type sessionFlags struct {
	boardID  string
	port     string
	baud     int
	bootGPIO int
	enGPIO   int
}

func (s *sessionFlags) addFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&s.boardID, "board", "b", "", "board id, see \"boardflash boards\"")
	fs.StringVarP(&s.port, "port", "p", flash.DefaultPort, "serial port")
	fs.IntVar(&s.baud, "baud", 0, "programmer baud rate (default from config)")
	fs.IntVar(&s.bootGPIO, "boot-gpio", 0, "host GPIO wired to the board's BOOT pin")
	fs.IntVar(&s.enGPIO, "en-gpio", 0, "host GPIO wired to the board's EN pin")
}

func (s *sessionFlags) open(cfg *config.Config, cat *board.Catalog) (board.Profile, *flash.Session, error) {
	if s.boardID == "" {
		return board.Profile{}, nil, errors.New("--board is required")
	}
	p, err := cat.Lookup(s.boardID)
	if err != nil {
		return p, nil, err
	}
	baud := s.baud
	if baud == 0 {
		baud = cfg.Baud
	}
	sess, err := flash.OpenSession(&flash.SessionConfig{
		Port:       s.port,
		Baud:       baud,
		BootGPIO:   s.bootGPIO,
		EnableGPIO: s.enGPIO,
		Probe:      true,
	})
	return p, sess, err
}

func programmer(cfg *config.Config, sink progress.Sink) *flash.Esptool {
	e := flash.NewEsptool()
	e.Command = cfg.Programmer
	e.Sink = sink
	return e
}

func runFlash(ctx context.Context, args []string) error {
	var (
		c        common
		sf       sessionFlags
		origin   string
		env      string
		pinsPath string
		liveRead bool
	)
	fs := pflag.NewFlagSet("boardflash flash", pflag.ContinueOnError)
	c.addFlags(fs)
	sf.addFlags(fs)
	fs.StringVarP(&origin, "origin", "o", "", "package directory or archive URL")
	fs.StringVarP(&env, "env", "e", "", "builder environment (default from board)")
	fs.StringVar(&pinsPath, "pins", "", "JSON pin configuration written to NVS after the firmware")
	fs.BoolVar(&liveRead, "live-read", false, "read the partition table back from the board to locate the filesystem")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	cfg, cat, err := c.setup()
	if err != nil {
		return err
	}

	var pins *nvsgen.PinConfig
	if pinsPath != "" {
		pc, err := nvsgen.LoadPinConfig(pinsPath)
		if err != nil {
			return err
		}
		pins = &pc
	}

	sink := progress.LogSink{}
	profile, sess, err := sf.open(cfg, cat)
	if err != nil {
		return err
	}
	defer sess.Close()

	cache := pkgcache.New(cfg.CacheDir)
	cache.Sink = sink
	cache.Downloader.Interval = time.Second
	cache.OnBytes = func(done, total int64) {
		log := logrus.WithField("phase", progress.PhaseDownload)
		if total > 0 {
			log.Infof("%d%% (%s of %s)", done*100/total, humanize.Bytes(uint64(done)), humanize.Bytes(uint64(total)))
			return
		}
		log.Infof("%s", humanize.Bytes(uint64(done)))
	}
	dir, err := cache.Obtain(ctx, pkgcache.ParseOrigin(origin), profile.ID)
	if err != nil {
		return err
	}

	esptool := programmer(cfg, sink)
	pio := flash.NewPlatformIO()
	pio.Command = cfg.Builder
	pio.Sink = sink
	gen := nvsgen.NewGenerator(cfg.Generator.Script)
	if len(cfg.Generator.Interpreters) > 0 {
		gen.Interpreters = cfg.Generator.Interpreters
	}
	if cfg.Generator.Size > 0 {
		gen.Size = cfg.Generator.Size
	}
	gen.Sink = sink

	f := flash.NewFlasher(esptool, pio, gen, sink)
	f.CleanTimeout = cfg.Timeouts.Clean
	f.ReleasePause = cfg.Timeouts.ReleasePause
	f.Resolver.AttemptTimeout = cfg.Timeouts.LiveRead

	req := flash.Request{
		Board:       profile,
		Dir:         dir,
		Environment: env,
		Pins:        pins,
	}
	if liveRead {
		req.LiveRead = esptool.LiveReader(sess.Target(profile.Chip))
	}

	res := f.Flash(ctx, sess, req)
	if !res.Success {
		if res.Output != "" {
			fmt.Fprintln(os.Stderr, res.Output)
		}
		return errors.Wrap(res.Err, "flash failed")
	}
	if res.Warning != "" {
		logrus.Warnf("firmware written with warnings: %s", res.Warning)
	} else {
		logrus.Infof("%s flashed (%s)", profile.ID, res.Mode)
	}
	return nil
}

func runErase(ctx context.Context, args []string) error {
	var (
		c    common
		sf   sessionFlags
		full bool
		yes  bool
	)
	fs := pflag.NewFlagSet("boardflash erase", pflag.ContinueOnError)
	c.addFlags(fs)
	sf.addFlags(fs)
	fs.BoolVar(&full, "full", false, "erase the entire chip, including calibration and identity data")
	fs.BoolVarP(&yes, "yes", "y", false, "confirm a full erase")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if full && !yes {
		return errors.New("a full erase destroys calibration data; pass --yes to confirm")
	}

	cfg, cat, err := c.setup()
	if err != nil {
		return err
	}
	sink := progress.LogSink{}
	profile, sess, err := sf.open(cfg, cat)
	if err != nil {
		return err
	}
	defer sess.Close()

	e := &flash.Eraser{Programmer: programmer(cfg, sink), Sink: sink}
	return e.Erase(ctx, sess, profile, full)
}

func runPorts(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("boardflash ports", pflag.ContinueOnError)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	ports, err := flash.ListPorts()
	if err != nil {
		return err
	}
	for _, p := range ports {
		fmt.Println(p)
	}
	return nil
}

func runBoards(ctx context.Context, args []string) error {
	var c common
	fs := pflag.NewFlagSet("boardflash boards", pflag.ContinueOnError)
	c.addFlags(fs)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	_, cat, err := c.setup()
	if err != nil {
		return err
	}
	for _, id := range cat.IDs() {
		p, _ := cat.Lookup(id)
		app, _ := p.Address(board.RegionApplication)
		fmt.Printf("%-20s %-10s app@0x%x\n", id, p.Chip, app)
	}
	return nil
}

func runPartitions(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("boardflash partitions", pflag.ContinueOnError)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: boardflash partitions FILE")
	}
	bs, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	r := partition.Parse(bs)
	if !r.Found() {
		return errors.Errorf("no partition table found in %s", fs.Arg(0))
	}
	fmt.Printf("method=%s confidence=%d start=%d\n", r.Method, r.Confidence, r.Start)
	for _, e := range r.Entries {
		fmt.Println(e)
	}
	return nil
}
