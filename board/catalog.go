// Package board holds the static catalog of supported boards: chip family and
// default per-region flash offsets.
package board

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// Region names a flash region
type Region string

const (
	RegionBootloader     Region = "bootloader"
	RegionPartitionTable Region = "partitions"
	RegionNVS            Region = "nvs"
	RegionApplication    Region = "app"
	RegionFilesystem     Region = "filesystem"
)

// IsBase reports whether the region holds one of the images a board needs to
// boot at all. Everything else is an overlay.
func (r Region) IsBase() bool {
	switch r {
	case RegionBootloader, RegionPartitionTable, RegionApplication:
		return true
	}
	return false
}

var ErrUnknownBoard = errors.New("unknown board")

// DefaultFlashSize applies to boards whose catalog entry gives no flash_size
const DefaultFlashSize uint32 = 0x400000

//go:embed boards.yaml
var builtinCatalog []byte

// Profile describes one board
type Profile struct {
	ID          string
	Chip        string
	Environment string
	Addresses   map[Region]uint32
	// FlashSize is the size of the flash part in bytes
	FlashSize uint32
}

// Address returns the catalog offset for a region
func (p Profile) Address(r Region) (uint32, bool) {
	a, ok := p.Addresses[r]
	return a, ok
}

type profileDoc struct {
	Chip        string            `yaml:"chip"`
	Environment string            `yaml:"environment"`
	Addresses   map[string]uint32 `yaml:"addresses"`
	FlashSize   uint32            `yaml:"flash_size"`
}

type catalogDoc struct {
	Boards map[string]profileDoc `yaml:"boards"`
}

// Catalog maps board ids to profiles. It is not modified after loading.
type Catalog struct {
	profiles map[string]Profile
}

// Builtin returns the catalog compiled into the binary
func Builtin() *Catalog {
	c, err := Parse(builtinCatalog)
	if err != nil {
		panic(fmt.Sprintf("builtin board catalog: %v", err))
	}
	return c
}

// Load reads the builtin catalog and, when path is not empty, merges the boards
// found in that file over it. Boards with the same id are replaced whole.
func Load(path string) (*Catalog, error) {
	c := Builtin()
	if path == "" {
		return c, nil
	}
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "could not read board catalog")
	}
	extra, err := Parse(bs)
	if err != nil {
		return nil, errors.Wrapf(err, "could not parse %s", path)
	}
	for id, p := range extra.profiles {
		c.profiles[id] = p
	}
	return c, nil
}

// Parse decodes a YAML board catalog
func Parse(bs []byte) (*Catalog, error) {
	var doc catalogDoc
	if err := yaml.Unmarshal(bs, &doc); err != nil {
		return nil, err
	}

	c := &Catalog{profiles: make(map[string]Profile, len(doc.Boards))}
	for id, pd := range doc.Boards {
		if pd.Chip == "" {
			return nil, errors.Errorf("board %q has no chip", id)
		}
		p := Profile{
			ID:          id,
			Chip:        pd.Chip,
			Environment: pd.Environment,
			Addresses:   make(map[Region]uint32, len(pd.Addresses)),
			FlashSize:   pd.FlashSize,
		}
		if p.Environment == "" {
			p.Environment = id
		}
		if p.FlashSize == 0 {
			p.FlashSize = DefaultFlashSize
		}
		for name, addr := range pd.Addresses {
			if addr >= p.FlashSize {
				return nil, errors.Errorf("board %q: %s address 0x%x beyond flash size 0x%x", id, name, addr, p.FlashSize)
			}
			p.Addresses[Region(name)] = addr
		}
		if _, ok := p.Addresses[RegionApplication]; !ok {
			return nil, errors.Errorf("board %q has no %s address", id, RegionApplication)
		}
		c.profiles[id] = p
	}
	return c, nil
}

// Lookup returns the profile for a board id
func (c *Catalog) Lookup(id string) (Profile, error) {
	p, ok := c.profiles[id]
	if !ok {
		return Profile{}, errors.Wrap(ErrUnknownBoard, id)
	}
	return p, nil
}

// IDs returns every board id, sorted
func (c *Catalog) IDs() []string {
	ids := maps.Keys(c.profiles)
	slices.Sort(ids)
	return ids
}
