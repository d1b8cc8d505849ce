package flash

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/synthread/boardflash/board"
)

var ErrNoApplication = errors.New("plan has no application image")
var ErrDuplicateOffset = errors.New("two images at the same offset")
var ErrPlanOrder = errors.New("overlay image placed before a base image")

// Segment is one image written at one flash offset
type Segment struct {
	Offset uint32
	Path   string
	Region board.Region
}

// Plan is the ordered set of writes for one board
type Plan struct {
	Target   Target
	Segments []Segment
}

// Add appends a segment
func (p *Plan) Add(r board.Region, offset uint32, path string) {
	p.Segments = append(p.Segments, Segment{Offset: offset, Path: path, Region: r})
}

// tryAdd appends a segment and keeps it only if the plan stays valid
func (p *Plan) tryAdd(r board.Region, offset uint32, path string) error {
	p.Add(r, offset, path)
	if err := p.Validate(); err != nil {
		p.Segments = p.Segments[:len(p.Segments)-1]
		return err
	}
	return nil
}

// Validate checks the plan holds an application image, base images come
// before overlays and no two images share an offset
func (p *Plan) Validate() error {
	seen := map[uint32]board.Region{}
	hasApp := false
	overlay := false
	for _, s := range p.Segments {
		if r, ok := seen[s.Offset]; ok {
			return errors.Wrapf(ErrDuplicateOffset, "%s and %s at %s", r, s.Region, hex(s.Offset))
		}
		seen[s.Offset] = s.Region

		if s.Region == board.RegionApplication {
			hasApp = true
		}
		if s.Region.IsBase() {
			if overlay {
				return errors.Wrap(ErrPlanOrder, string(s.Region))
			}
		} else {
			overlay = true
		}
	}
	if !hasApp {
		return ErrNoApplication
	}
	return nil
}

// Base returns the segments needed to boot
func (p *Plan) Base() []Segment {
	var out []Segment
	for _, s := range p.Segments {
		if s.Region.IsBase() {
			out = append(out, s)
		}
	}
	return out
}

// Segment returns the segment for a region
func (p *Plan) Segment(r board.Region) (Segment, bool) {
	for _, s := range p.Segments {
		if s.Region == r {
			return s, true
		}
	}
	return Segment{}, false
}

func (p *Plan) String() string {
	parts := make([]string, 0, len(p.Segments))
	for _, s := range p.Segments {
		parts = append(parts, string(s.Region)+"@"+hex(s.Offset))
	}
	return strings.Join(parts, " ")
}
