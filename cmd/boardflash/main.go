// boardflash provisions ESP32 family boards from a firmware package.
//
// A package is either a directory of prebuilt images or a PlatformIO project,
// local or downloaded as an archive. The flash command writes it to the
// board, optionally followed by an NVS pin configuration image.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/synthread/boardflash/board"
	"github.com/synthread/boardflash/config"
)

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string) error
}

var commands = []command{
	{"flash", "write a firmware package to a board", runFlash},
	{"erase", "erase the application and filesystem regions, or the whole chip", runErase},
	{"ports", "list serial ports", runPorts},
	{"boards", "list known board ids", runBoards},
	{"partitions", "decode a partition table image", runPartitions},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:])
	stop()
	if err != nil {
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage()
		return nil
	}
	for _, c := range commands {
		if c.name == args[0] {
			return c.run(ctx, args[1:])
		}
	}
	printUsage()
	return errors.Errorf("unknown command %q", args[0])
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: boardflash <command> [flags]\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-12s %s\n", c.name, c.summary)
	}
	fmt.Fprintf(os.Stderr, "\nConfiguration is read from --config or $%s.\n", config.EnvVar)
}

// common holds the flags every board command shares
type common struct {
	configPath string
	verbose    bool
}

func (c *common) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "path to the YAML configuration file")
	fs.BoolVarP(&c.verbose, "verbose", "v", false, "log tool output and debug messages")
}

// setup configures logging and loads the configuration and board catalog
func (c *common) setup() (*config.Config, *board.Catalog, error) {
	logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	if c.verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.Load(config.Path(c.configPath))
	if err != nil {
		return nil, nil, err
	}
	cat, err := board.Load(cfg.Boards)
	if err != nil {
		return nil, nil, err
	}
	return cfg, cat, nil
}

func parseFlags(fs *pflag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return errHelp
		}
		return err
	}
	return nil
}

// errHelp exits cleanly after the flag set printed its usage
var errHelp = exitCode(0)

type exitCode int

func (e exitCode) Error() string { return fmt.Sprintf("exit %d", int(e)) }
func (e exitCode) ExitCode() int { return int(e) }
