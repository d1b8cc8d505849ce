package pkgcache

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// ManifestName is the file recording what a cache entry was fetched from
const ManifestName = ".boardflash-entry.cbor"

// Entry describes one populated cache directory
type Entry struct {
	Key       string    `cbor:"key"`
	Origin    Origin    `cbor:"origin"`
	Board     string    `cbor:"board"`
	FetchedAt time.Time `cbor:"fetched_at"`
}

func writeManifest(dir string, e Entry) error {
	bs, err := cbor.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "encode cache manifest")
	}
	return errors.Wrap(os.WriteFile(filepath.Join(dir, ManifestName), bs, 0o644), "write cache manifest")
}

// ReadManifest returns the entry recorded in a cache directory
func ReadManifest(dir string) (Entry, error) {
	var e Entry
	bs, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return e, err
	}
	if err := cbor.Unmarshal(bs, &e); err != nil {
		return e, errors.Wrap(err, "decode cache manifest")
	}
	return e, nil
}
