// Package pkgcache turns a firmware origin (a release archive URL or a local
// directory) into a local directory ready for flashing.
//
// Every origin+board pair owns one directory under the cache root. A fetch
// always starts from an empty directory: files from an earlier version of the
// same origin never survive next to the new ones. Two concurrent Obtain calls
// for the same key are not supported and must be serialized by the caller.
package pkgcache

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"github.com/synthread/boardflash/internal/fsretry"
	"github.com/synthread/boardflash/progress"
)

var ErrEmptyOrigin = errors.New("origin has neither url nor directory")

// Origin describes where a firmware package comes from. Exactly one of URL and
// Dir is set.
type Origin struct {
	URL string `cbor:"url,omitempty"`
	Dir string `cbor:"dir,omitempty"`
}

// IsRemote reports whether the origin has to be downloaded
func (o Origin) IsRemote() bool {
	return o.URL != ""
}

func (o Origin) descriptor() string {
	if o.IsRemote() {
		return "url:" + o.URL
	}
	return "dir:" + o.Dir
}

// ParseOrigin classifies s as a URL or a local directory
func ParseOrigin(s string) Origin {
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return Origin{URL: s}
	}
	return Origin{Dir: s}
}

// Key returns the cache key for an origin and board: a short BLAKE3 digest of
// the origin descriptor followed by the board id.
func Key(o Origin, boardID string) string {
	sum := blake3.Sum256([]byte(o.descriptor()))
	return hex.EncodeToString(sum[:8]) + "-" + boardID
}

// ProgressFunc receives byte counts while downloading. total is -1 when the
// server did not announce a length.
type ProgressFunc func(done, total int64)

// Cache fetches and stores firmware packages
type Cache struct {
	Root       string
	Downloader *Downloader
	Sink       progress.Sink
	// OnBytes is called with download progress, may be nil
	OnBytes ProgressFunc
}

// New returns a cache rooted at dir
func New(dir string) *Cache {
	return &Cache{
		Root:       dir,
		Downloader: NewDownloader(),
		Sink:       progress.Discard,
	}
}

// Obtain resolves o to a local directory. Local origins are returned as they
// are. Remote origins are downloaded and extracted into a fresh directory for
// the origin+board key, replacing anything that was there. Cancelling ctx
// aborts a pending download.
func (c *Cache) Obtain(ctx context.Context, o Origin, boardID string) (string, error) {
	switch {
	case o.IsRemote():
	case o.Dir != "":
		st, err := os.Stat(o.Dir)
		if err != nil {
			return "", errors.Wrap(err, "firmware directory")
		}
		if !st.IsDir() {
			return "", errors.Errorf("%s is not a directory", o.Dir)
		}
		return o.Dir, nil
	default:
		return "", ErrEmptyOrigin
	}

	key := Key(o, boardID)
	dir := filepath.Join(c.Root, key)
	log := logrus.WithField("key", key)

	if err := os.MkdirAll(c.Root, 0o755); err != nil {
		return "", errors.Wrap(err, "could not create cache root")
	}
	if err := fsretry.RemoveAll(ctx, dir); err != nil {
		return "", errors.Wrap(err, "could not clear cache entry")
	}
	log.Debug("cache entry cleared")

	tmp, err := os.CreateTemp(c.Root, key+"-*"+archiveSuffix(o.URL))
	if err != nil {
		return "", errors.Wrap(err, "could not create temp archive")
	}
	archive := tmp.Name()
	defer os.Remove(archive)

	progress.Infof(c.Sink, progress.PhaseDownload, "downloading %s", o.URL)
	n, err := c.downloader().Fetch(ctx, o.URL, tmp, c.OnBytes)
	tmp.Close()
	if err != nil {
		return "", errors.Wrap(err, "download failed")
	}
	progress.Infof(c.Sink, progress.PhaseDownload, "downloaded %d bytes", n)

	if err := ctx.Err(); err != nil {
		return "", err
	}

	// extract beside the entry and move it into place, a failed extraction
	// never leaves a half-populated entry
	staging := dir + ".partial"
	if err := fsretry.RemoveAll(ctx, staging); err != nil {
		return "", errors.Wrap(err, "could not clear staging directory")
	}
	if err := Extract(archive, staging); err != nil {
		fsretry.RemoveAll(context.Background(), staging)
		return "", errors.Wrap(err, "extract failed")
	}
	if err := fsretry.Rename(ctx, staging, dir); err != nil {
		fsretry.RemoveAll(context.Background(), staging)
		return "", errors.Wrap(err, "could not move extracted package into place")
	}

	entry := Entry{
		Key:       key,
		Origin:    o,
		Board:     boardID,
		FetchedAt: time.Now().UTC(),
	}
	if err := writeManifest(dir, entry); err != nil {
		return "", err
	}

	root := packageRoot(dir)
	progress.Infof(c.Sink, progress.PhaseDownload, "package ready in %s", root)
	return root, nil
}

func (c *Cache) downloader() *Downloader {
	if c.Downloader == nil {
		return NewDownloader()
	}
	return c.Downloader
}

// packageRoot descends into the only top level directory of an extracted
// archive, release archives are commonly wrapped that way.
func packageRoot(dir string) string {
	des, err := os.ReadDir(dir)
	if err != nil {
		return dir
	}
	var sub string
	for _, de := range des {
		if de.Name() == ManifestName {
			continue
		}
		if !de.IsDir() || sub != "" {
			return dir
		}
		sub = de.Name()
	}
	if sub == "" {
		return dir
	}
	return filepath.Join(dir, sub)
}
