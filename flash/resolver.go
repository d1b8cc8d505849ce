package flash

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/synthread/boardflash/board"
	"github.com/synthread/boardflash/partition"
	"github.com/synthread/boardflash/progress"
)

// Source says where a resolved address came from
type Source string

const (
	SourceLive     Source = "live"
	SourcePackaged Source = "packaged"
	SourceDefault  Source = "default"
	// SourceNone means no step produced an address
	SourceNone Source = "none"
)

// DefaultReadSizes are the table lengths tried on a live read, largest first
// since real tables vary in length
var DefaultReadSizes = []uint32{0x1000, 0xC00, 0x400}

// Resolution is the filesystem address and its provenance
type Resolution struct {
	Offset uint32
	Source Source
}

// Found reports whether an address was resolved. Offset is meaningless
// otherwise.
func (r Resolution) Found() bool {
	return r.Source != SourceNone && r.Source != ""
}

// Resolver picks the filesystem region address. It tries, in order, the
// partition table read back from the board, the table shipped with the
// firmware, and the catalog default. When all three come up empty the
// Resolution has SourceNone and the filesystem must not be written.
type Resolver struct {
	Sink progress.Sink
	// AttemptTimeout bounds each live read
	AttemptTimeout time.Duration
	ReadSizes      []uint32
}

// NewResolver returns a resolver with a five second live read bound
func NewResolver(sink progress.Sink) *Resolver {
	return &Resolver{
		Sink:           sink,
		AttemptTimeout: 5 * time.Second,
		ReadSizes:      DefaultReadSizes,
	}
}

// Resolve returns the filesystem address for p. packaged may be nil, live
// may be nil.
func (r *Resolver) Resolve(ctx context.Context, p board.Profile, packaged []byte, live LiveReader) Resolution {
	if live != nil {
		if off, ok := r.fromLive(ctx, p, live); ok {
			progress.Infof(r.Sink, progress.PhaseResolve, "filesystem at %s (device partition table)", hex(off))
			return Resolution{Offset: off, Source: SourceLive}
		}
		progress.Infof(r.Sink, progress.PhaseResolve, "device partition table unavailable")
	}

	if len(packaged) > 0 {
		res := partition.Parse(packaged)
		if e, ok := res.Filesystem(); ok {
			progress.Infof(r.Sink, progress.PhaseResolve, "filesystem at %s (packaged partition table, %s scan)", hex(e.Offset), res.Method)
			return Resolution{Offset: e.Offset, Source: SourcePackaged}
		}
		progress.Infof(r.Sink, progress.PhaseResolve, "no filesystem entry in packaged partition table (%d records)", len(res.Entries))
	}

	off, ok := p.Address(board.RegionFilesystem)
	if !ok {
		progress.Warnf(r.Sink, progress.PhaseResolve, "board %s has no default filesystem address", p.ID)
		return Resolution{Source: SourceNone}
	}
	progress.Warnf(r.Sink, progress.PhaseResolve, "using catalog default filesystem address %s", hex(off))
	return Resolution{Offset: off, Source: SourceDefault}
}

func (r *Resolver) fromLive(ctx context.Context, p board.Profile, live LiveReader) (uint32, bool) {
	at, ok := p.Address(board.RegionPartitionTable)
	if !ok {
		return 0, false
	}
	sizes := r.ReadSizes
	if len(sizes) == 0 {
		sizes = DefaultReadSizes
	}

	for _, size := range sizes {
		bs, err := r.readOnce(ctx, live, at, size)
		if err != nil {
			logrus.Debugf("resolve: live read %s@%s: %v", hex(size), hex(at), err)
			if ctx.Err() != nil {
				return 0, false
			}
			continue
		}
		if e, ok := partition.Parse(bs).Filesystem(); ok {
			return e.Offset, true
		}
	}
	return 0, false
}

func (r *Resolver) readOnce(ctx context.Context, live LiveReader, at, size uint32) ([]byte, error) {
	if r.AttemptTimeout <= 0 {
		return live(ctx, at, size)
	}
	actx, cancel := context.WithTimeout(ctx, r.AttemptTimeout)
	defer cancel()
	return live(actx, at, size)
}
