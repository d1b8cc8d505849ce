package flash

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/synthread/boardflash/board"
	"github.com/synthread/boardflash/internal/execline"
	"github.com/synthread/boardflash/nvsgen"
)

type call struct {
	op     string
	segs   []Segment
	offset uint32
	size   uint32
}

// fakeProgrammer records invocations. failOn maps the n-th call (1-based) to
// the error it returns.
type fakeProgrammer struct {
	calls  []call
	failOn map[int]error
}

func (f *fakeProgrammer) record(c call) error {
	f.calls = append(f.calls, c)
	return f.failOn[len(f.calls)]
}

func (f *fakeProgrammer) Write(ctx context.Context, t Target, segs []Segment) error {
	return f.record(call{op: "write", segs: append([]Segment{}, segs...)})
}

func (f *fakeProgrammer) EraseAll(ctx context.Context, t Target) error {
	return f.record(call{op: "erase_flash"})
}

func (f *fakeProgrammer) EraseRegion(ctx context.Context, t Target, offset, size uint32) error {
	return f.record(call{op: "erase_region", offset: offset, size: size})
}

func (f *fakeProgrammer) wroteRegion(r board.Region) (Segment, bool) {
	for _, c := range f.calls {
		for _, s := range c.segs {
			if s.Region == r {
				return s, true
			}
		}
	}
	return Segment{}, false
}

type buildCall struct {
	project string
	env     string
	target  BuildTarget
	port    string
}

type fakeBuilder struct {
	calls []buildCall
	fail  map[BuildTarget]error
	// hang blocks the target until its context is done
	hang map[BuildTarget]bool
}

func (f *fakeBuilder) Run(ctx context.Context, project, env string, target BuildTarget, port string) error {
	f.calls = append(f.calls, buildCall{project, env, target, port})
	if f.hang[target] {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.fail[target]
}

func (f *fakeBuilder) targets() []BuildTarget {
	var out []BuildTarget
	for _, c := range f.calls {
		out = append(out, c.target)
	}
	return out
}

type fakeGenerator struct {
	dir   string
	err   error
	calls int
}

func (f *fakeGenerator) Generate(ctx context.Context, c nvsgen.PinConfig) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	dir, err := os.MkdirTemp(f.dir, "nvs-*")
	if err != nil {
		return "", err
	}
	out := filepath.Join(dir, "pins_nvs.bin")
	return out, os.WriteFile(out, []byte{0xff}, 0o644)
}

var portSeq int64

// testSession opens a session on a unique fake port
func testSession(t *testing.T) *Session {
	t.Helper()
	port := fmt.Sprintf("/dev/ttyTEST%d", atomic.AddInt64(&portSeq, 1))
	s, err := OpenSession(&SessionConfig{Port: port, Baud: 921600})
	if err != nil {
		t.Fatalf("OpenSession() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func boardX() board.Profile {
	return board.Profile{
		ID:          "x",
		Chip:        "esp32",
		Environment: "x",
		Addresses: map[board.Region]uint32{
			board.RegionBootloader:     0x1000,
			board.RegionPartitionTable: 0x8000,
			board.RegionNVS:            0x9000,
			board.RegionApplication:    0x10000,
			board.RegionFilesystem:     0x290000,
		},
	}
}

func writeFiles(t *testing.T, dir string, files map[string][]byte) {
	t.Helper()
	for name, body := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, body, 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func exitErr(output string) error {
	return &execline.ExitError{Command: execline.Command{Name: "esptool.py"}, Code: 2, Output: output}
}
