package flash

import (
	"context"

	"github.com/pkg/errors"

	"github.com/synthread/boardflash/board"
	"github.com/synthread/boardflash/progress"
)

// RegionEraseSize is erased at each region start in a selective erase. The
// length is cut short at the next catalog region and at the end of flash.
const RegionEraseSize uint32 = 0x100000

// Eraser clears flash. A selective erase touches only the application and
// filesystem regions, NVS and identity data survive it.
type Eraser struct {
	Programmer Programmer
	Sink       progress.Sink
}

// Erase clears the board on s. full erases the whole chip, including
// calibration and identity data; callers must have explicit confirmation
// before asking for it. Otherwise the application region is erased, then the
// filesystem region; a failure on the first stops before the second.
func (e *Eraser) Erase(ctx context.Context, s *Session, p board.Profile, full bool) error {
	if err := s.prepare(); err != nil {
		return err
	}
	t := s.Target(p.Chip)

	if full {
		progress.Infof(e.Sink, progress.PhaseErase, "erasing entire flash on %s", t.Port)
		return errors.Wrap(e.Programmer.EraseAll(ctx, t), "chip erase")
	}

	regions := []board.Region{board.RegionApplication, board.RegionFilesystem}
	addrs := make([]uint32, len(regions))
	sizes := make([]uint32, len(regions))
	for i, r := range regions {
		at, ok := p.Address(r)
		if !ok {
			return errors.Errorf("board %s has no %s address", p.ID, r)
		}
		addrs[i], sizes[i] = at, eraseLength(p, at)
		if sizes[i] == 0 {
			return errors.Errorf("board %s: %s address %s is beyond the end of flash", p.ID, r, hex(at))
		}
	}

	for i, r := range regions {
		progress.Infof(e.Sink, progress.PhaseErase, "erasing %s region at %s (%s bytes)", r, hex(addrs[i]), hex(sizes[i]))
		if err := e.Programmer.EraseRegion(ctx, t, addrs[i], sizes[i]); err != nil {
			return errors.Wrapf(err, "erase %s region", r)
		}
	}
	return nil
}

// eraseLength is RegionEraseSize clamped to the next region above at and to
// the end of flash. Zero means at lies outside the flash.
func eraseLength(p board.Profile, at uint32) uint32 {
	flashEnd := p.FlashSize
	if flashEnd == 0 {
		flashEnd = board.DefaultFlashSize
	}
	if at >= flashEnd {
		return 0
	}
	end := min(at+RegionEraseSize, flashEnd)
	for _, other := range p.Addresses {
		if other > at && other < end {
			end = other
		}
	}
	return end - at
}
