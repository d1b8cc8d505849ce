package flash

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/synthread/boardflash/board"
	"github.com/synthread/boardflash/nvsgen"
	"github.com/synthread/boardflash/partition"
	"github.com/synthread/boardflash/progress"
)

func packagedTable(fsOffset uint32) []byte {
	var buf bytes.Buffer
	for _, e := range []partition.Entry{
		{Name: "nvs", Type: partition.TypeData, SubType: partition.SubTypeNVS, Offset: 0x9000, Size: 0x5000},
		{Name: "app0", Type: partition.TypeApp, SubType: 0x10, Offset: 0x10000, Size: 0x180000},
		{Name: "spiffs", Type: partition.TypeData, SubType: partition.SubTypeFilesystem, Offset: fsOffset, Size: 0x100000},
	} {
		buf.Write(partition.Encode(e))
	}
	buf.Write(bytes.Repeat([]byte{0xff}, 0xC00-buf.Len()))
	return buf.Bytes()
}

func newTestFlasher(p Programmer, b Builder, g OverlayGenerator) (*Flasher, *progress.Recorder) {
	rec := &progress.Recorder{}
	f := NewFlasher(p, b, g, rec)
	f.ReleasePause = 0
	f.CleanTimeout = 50 * time.Millisecond
	return f, rec
}

func TestFlashPrebuiltMissingApplication(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string][]byte{
		ImageBootloader:     {1},
		ImagePartitionTable: packagedTable(0x190000),
		ImageFilesystem:     {3},
	})

	p := &fakeProgrammer{}
	f, _ := newTestFlasher(p, nil, nil)

	res := f.Flash(context.Background(), testSession(t), Request{Board: boardX(), Dir: dir})
	if res.Success {
		t.Fatal("Success = true without application image")
	}
	if !errors.Is(res.Err, ErrMissingApplication) {
		t.Errorf("Err = %v, want ErrMissingApplication", res.Err)
	}
	if len(p.calls) != 0 {
		t.Errorf("programmer invoked %d times", len(p.calls))
	}
}

func TestFlashPrebuiltMissingFilesystem(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string][]byte{
		ImageBootloader:     {1},
		ImagePartitionTable: packagedTable(0x190000),
		ImageApplication:    {2},
	})

	p := &fakeProgrammer{}
	f, rec := newTestFlasher(p, nil, nil)

	res := f.Flash(context.Background(), testSession(t), Request{Board: boardX(), Dir: dir})
	if !res.Success {
		t.Fatalf("Success = false, Err = %v", res.Err)
	}
	if res.Warning == "" {
		t.Error("missing filesystem image not reported")
	}
	if len(p.calls) != 1 {
		t.Fatalf("programmer invoked %d times, want 1", len(p.calls))
	}
	for _, s := range p.calls[0].segs {
		if s.Offset == 0x190000 || s.Offset == 0x290000 {
			t.Errorf("programmer asked to write at filesystem address %s", hex(s.Offset))
		}
	}
	if len(rec.Warnings()) == 0 {
		t.Error("no warning event emitted")
	}
}

func TestFlashPrebuiltUsesPackagedTable(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string][]byte{
		ImageBootloader:     {1},
		ImagePartitionTable: packagedTable(0x190000),
		ImageApplication:    {2},
		ImageFilesystem:     {3},
	})

	p := &fakeProgrammer{}
	f, _ := newTestFlasher(p, nil, nil)

	res := f.Flash(context.Background(), testSession(t), Request{Board: boardX(), Dir: dir})
	if !res.Success || res.Warning != "" {
		t.Fatalf("res = %+v", res)
	}
	if res.Mode != ModePrebuilt {
		t.Errorf("Mode = %s", res.Mode)
	}

	if len(p.calls) != 2 {
		t.Fatalf("programmer invoked %d times, want 2", len(p.calls))
	}
	base := p.calls[0].segs
	wantBase := []struct {
		r  board.Region
		at uint32
	}{
		{board.RegionBootloader, 0x1000},
		{board.RegionPartitionTable, 0x8000},
		{board.RegionApplication, 0x10000},
	}
	if len(base) != len(wantBase) {
		t.Fatalf("base segments = %v", base)
	}
	for i, w := range wantBase {
		if base[i].Region != w.r || base[i].Offset != w.at {
			t.Errorf("base[%d] = %s@%s, want %s@%s", i, base[i].Region, hex(base[i].Offset), w.r, hex(w.at))
		}
	}

	fs := p.calls[1].segs
	if len(fs) != 1 || fs[0].Offset != 0x190000 || fs[0].Region != board.RegionFilesystem {
		t.Errorf("filesystem write = %v, want single segment at 0x190000", fs)
	}
	if seg, ok := res.Plan.Segment(board.RegionFilesystem); !ok || seg.Offset != 0x190000 {
		t.Errorf("plan filesystem = %v, %v", seg, ok)
	}
}

func TestFlashPrebuiltBaseFailure(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string][]byte{
		ImageApplication: {2},
		ImageFilesystem:  {3},
	})

	p := &fakeProgrammer{failOn: map[int]error{1: exitErr("A fatal error occurred: Failed to connect")}}
	f, _ := newTestFlasher(p, nil, nil)

	res := f.Flash(context.Background(), testSession(t), Request{Board: boardX(), Dir: dir})
	if res.Success {
		t.Fatal("Success = true after base write failure")
	}
	if !strings.Contains(res.Output, "Failed to connect") {
		t.Errorf("Output = %q", res.Output)
	}
	if len(p.calls) != 1 {
		t.Errorf("programmer invoked %d times after fatal failure", len(p.calls))
	}
}

func TestFlashPrebuiltFilesystemFailure(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string][]byte{
		ImageApplication: {2},
		ImageFilesystem:  {3},
	})

	p := &fakeProgrammer{failOn: map[int]error{2: exitErr("write failed")}}
	f, _ := newTestFlasher(p, nil, nil)

	res := f.Flash(context.Background(), testSession(t), Request{Board: boardX(), Dir: dir})
	if !res.Success {
		t.Fatalf("Success = false, Err = %v", res.Err)
	}
	if !strings.Contains(res.Warning, "filesystem") {
		t.Errorf("Warning = %q", res.Warning)
	}
	// no packaged table, catalog default used
	if seg, ok := p.wroteRegion(board.RegionFilesystem); !ok || seg.Offset != 0x290000 {
		t.Errorf("filesystem segment = %v, %v", seg, ok)
	}
}

func TestFlashPrebuiltLiveRead(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string][]byte{
		ImagePartitionTable: packagedTable(0x190000),
		ImageApplication:    {2},
		ImageFilesystem:     {3},
	})

	p := &fakeProgrammer{}
	f, _ := newTestFlasher(p, nil, nil)

	var reads int
	live := func(ctx context.Context, offset, size uint32) ([]byte, error) {
		reads++
		// the base write must have happened before the table is read back
		if len(p.calls) != 1 {
			t.Errorf("live read with %d programmer calls made", len(p.calls))
		}
		tbl := packagedTable(0x210000)
		if int(size) > len(tbl) {
			tbl = append(tbl, bytes.Repeat([]byte{0xff}, int(size)-len(tbl))...)
		}
		return tbl[:size], nil
	}

	res := f.Flash(context.Background(), testSession(t), Request{Board: boardX(), Dir: dir, LiveRead: live})
	if !res.Success {
		t.Fatalf("Err = %v", res.Err)
	}
	if reads == 0 {
		t.Fatal("live reader not used")
	}
	if seg, _ := p.wroteRegion(board.RegionFilesystem); seg.Offset != 0x210000 {
		t.Errorf("filesystem at %s, want live table address", hex(seg.Offset))
	}
}

func TestFlashPrebuiltConfigOverlay(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string][]byte{
		ImagePartitionTable: packagedTable(0x190000),
		ImageApplication:    {2},
		ImageFilesystem:     {3},
	})
	pins := &nvsgen.PinConfig{StatusLED: nvsgen.Pin(2)}

	t.Run("written", func(t *testing.T) {
		p := &fakeProgrammer{}
		g := &fakeGenerator{dir: t.TempDir()}
		f, _ := newTestFlasher(p, nil, g)

		res := f.Flash(context.Background(), testSession(t), Request{Board: boardX(), Dir: dir, Pins: pins})
		if !res.Success || res.Warning != "" {
			t.Fatalf("res = %+v", res)
		}
		if len(p.calls) != 3 {
			t.Fatalf("programmer invoked %d times, want 3", len(p.calls))
		}
		nvs := p.calls[2].segs
		if len(nvs) != 1 || nvs[0].Offset != 0x9000 || nvs[0].Region != board.RegionNVS {
			t.Errorf("overlay write = %v", nvs)
		}
		if _, err := os.Stat(nvs[0].Path); !os.IsNotExist(err) {
			t.Error("overlay image not cleaned up")
		}
	})

	t.Run("generator fails", func(t *testing.T) {
		p := &fakeProgrammer{}
		g := &fakeGenerator{err: errors.New("no python")}
		f, _ := newTestFlasher(p, nil, g)

		res := f.Flash(context.Background(), testSession(t), Request{Board: boardX(), Dir: dir, Pins: pins})
		if !res.Success {
			t.Fatalf("Success = false, Err = %v", res.Err)
		}
		if !strings.Contains(res.Warning, "configuration overlay") {
			t.Errorf("Warning = %q", res.Warning)
		}
		if len(p.calls) != 2 {
			t.Errorf("programmer invoked %d times, want 2", len(p.calls))
		}
	})

	t.Run("write fails", func(t *testing.T) {
		p := &fakeProgrammer{failOn: map[int]error{3: exitErr("nvs")}}
		g := &fakeGenerator{dir: t.TempDir()}
		f, _ := newTestFlasher(p, nil, g)

		res := f.Flash(context.Background(), testSession(t), Request{Board: boardX(), Dir: dir, Pins: pins})
		if !res.Success || res.Warning == "" {
			t.Errorf("res = %+v, want success with warning", res)
		}
	})

	t.Run("empty config", func(t *testing.T) {
		p := &fakeProgrammer{}
		g := &fakeGenerator{dir: t.TempDir()}
		f, _ := newTestFlasher(p, nil, g)

		f.Flash(context.Background(), testSession(t), Request{Board: boardX(), Dir: dir, Pins: &nvsgen.PinConfig{}})
		if g.calls != 0 {
			t.Error("generator ran for an empty config")
		}
	})
}

func projectDir(t *testing.T) string {
	dir := t.TempDir()
	writeFiles(t, dir, map[string][]byte{
		ProjectMarker:                         []byte("[env:x]\n"),
		".pio/build/x/stale.o":                {0},
		".pio/build/x/" + ImagePartitionTable: packagedTable(0x190000),
	})
	return dir
}

func TestFlashProject(t *testing.T) {
	dir := projectDir(t)
	b := &fakeBuilder{}
	p := &fakeProgrammer{}
	f, _ := newTestFlasher(p, b, nil)
	s := testSession(t)

	res := f.Flash(context.Background(), s, Request{Board: boardX(), Dir: dir})
	if !res.Success || res.Warning != "" {
		t.Fatalf("res = %+v", res)
	}
	if res.Mode != ModeBuild {
		t.Errorf("Mode = %s", res.Mode)
	}

	want := []BuildTarget{TargetClean, TargetUpload, TargetUploadFS}
	got := b.targets()
	if len(got) != len(want) {
		t.Fatalf("targets = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("target %d = %s, want %s", i, got[i], want[i])
		}
	}
	for _, c := range b.calls {
		if c.port != s.Port() || c.env != "x" || c.project != dir {
			t.Errorf("call = %+v", c)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, ".pio", "build", "x")); !os.IsNotExist(err) {
		t.Error("build directory not removed")
	}
	if len(p.calls) != 0 {
		t.Errorf("programmer invoked %d times without overlay", len(p.calls))
	}
}

func TestFlashProjectCleanTolerated(t *testing.T) {
	tests := []struct {
		name string
		b    *fakeBuilder
	}{
		{"fails", &fakeBuilder{fail: map[BuildTarget]error{TargetClean: errors.New("locked")}}},
		{"hangs", &fakeBuilder{hang: map[BuildTarget]bool{TargetClean: true}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, _ := newTestFlasher(&fakeProgrammer{}, tt.b, nil)
			res := f.Flash(context.Background(), testSession(t), Request{Board: boardX(), Dir: projectDir(t)})
			if !res.Success {
				t.Fatalf("Err = %v", res.Err)
			}
			if len(tt.b.targets()) != 3 {
				t.Errorf("targets = %v", tt.b.targets())
			}
		})
	}
}

func TestFlashProjectUploadFailure(t *testing.T) {
	b := &fakeBuilder{fail: map[BuildTarget]error{TargetUpload: exitErr("compilation terminated")}}
	f, _ := newTestFlasher(&fakeProgrammer{}, b, nil)

	res := f.Flash(context.Background(), testSession(t), Request{Board: boardX(), Dir: projectDir(t)})
	if res.Success {
		t.Fatal("Success = true after upload failure")
	}
	if !strings.Contains(res.Output, "compilation terminated") {
		t.Errorf("Output = %q", res.Output)
	}
	for _, tg := range b.targets() {
		if tg == TargetUploadFS {
			t.Error("filesystem uploaded after a failed upload")
		}
	}
}

func TestFlashProjectUploadFSFailure(t *testing.T) {
	b := &fakeBuilder{fail: map[BuildTarget]error{TargetUploadFS: errors.New("no data dir")}}
	p := &fakeProgrammer{}
	g := &fakeGenerator{dir: t.TempDir()}
	f, _ := newTestFlasher(p, b, g)

	res := f.Flash(context.Background(), testSession(t), Request{
		Board: boardX(),
		Dir:   projectDir(t),
		Pins:  &nvsgen.PinConfig{Button: nvsgen.Pin(0)},
	})
	if !res.Success {
		t.Fatalf("Err = %v", res.Err)
	}
	if !strings.Contains(res.Warning, "filesystem upload failed") {
		t.Errorf("Warning = %q", res.Warning)
	}
	// overlay still goes out after the filesystem step
	if seg, ok := p.wroteRegion(board.RegionNVS); !ok || seg.Offset != 0x9000 {
		t.Errorf("nvs segment = %v, %v", seg, ok)
	}
}

func TestFlashProjectWithoutBuilder(t *testing.T) {
	f, _ := newTestFlasher(&fakeProgrammer{}, nil, nil)
	res := f.Flash(context.Background(), testSession(t), Request{Board: boardX(), Dir: projectDir(t)})
	if res.Success || !errors.Is(res.Err, ErrNoBuilder) {
		t.Errorf("res = %+v", res)
	}
}

func TestDetectMode(t *testing.T) {
	dir := t.TempDir()
	if DetectMode(dir) != ModePrebuilt {
		t.Error("empty dir not prebuilt")
	}
	writeFiles(t, dir, map[string][]byte{ProjectMarker: nil})
	if DetectMode(dir) != ModeBuild {
		t.Error("marker not detected")
	}
}

func boardWithoutFilesystem() board.Profile {
	p := boardX()
	delete(p.Addresses, board.RegionFilesystem)
	return p
}

func TestFlashPrebuiltNoFilesystemAddress(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string][]byte{
		ImageBootloader:  {1},
		ImageApplication: {2},
		ImageFilesystem:  {3},
	})

	p := &fakeProgrammer{}
	f, _ := newTestFlasher(p, nil, nil)

	res := f.Flash(context.Background(), testSession(t), Request{Board: boardWithoutFilesystem(), Dir: dir})
	if !res.Success {
		t.Fatalf("Success = false, Err = %v", res.Err)
	}
	if !strings.Contains(res.Warning, "no filesystem address") {
		t.Errorf("Warning = %q", res.Warning)
	}
	if len(p.calls) != 1 {
		t.Fatalf("programmer invoked %d times, want 1", len(p.calls))
	}
	if seg, ok := p.wroteRegion(board.RegionFilesystem); ok {
		t.Errorf("filesystem written at %s without an address", hex(seg.Offset))
	}
	if _, ok := res.Plan.Segment(board.RegionFilesystem); ok {
		t.Error("filesystem segment left in plan")
	}
}

func TestFlashProjectNoFilesystemAddress(t *testing.T) {
	// the stale build output, partition table included, is removed before the build
	f, _ := newTestFlasher(&fakeProgrammer{}, &fakeBuilder{}, nil)

	res := f.Flash(context.Background(), testSession(t), Request{Board: boardWithoutFilesystem(), Dir: projectDir(t)})
	if !res.Success {
		t.Fatalf("Err = %v", res.Err)
	}
	if _, ok := res.Plan.Segment(board.RegionFilesystem); ok {
		t.Error("filesystem segment recorded without an address")
	}
}
