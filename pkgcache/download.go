package pkgcache

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// Downloader streams release archives over HTTP
type Downloader struct {
	Client *http.Client
	// Interval between progress callbacks
	Interval time.Duration
}

// NewDownloader returns a downloader using a client without overall timeout,
// archives can be large; cancellation goes through the context.
func NewDownloader() *Downloader {
	return &Downloader{
		Client:   &http.Client{},
		Interval: 100 * time.Millisecond,
	}
}

// Fetch copies the body at url into w and returns the number of bytes written
func (d *Downloader) Fetch(ctx context.Context, url string, w io.Writer, onBytes ProgressFunc) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("GET %s: %s", url, resp.Status)
	}

	pw := &progressWriter{
		w:        w,
		total:    resp.ContentLength,
		onBytes:  onBytes,
		interval: d.Interval,
	}
	n, err := io.Copy(pw, resp.Body)
	if err != nil {
		return n, err
	}
	pw.report()
	return n, nil
}

type progressWriter struct {
	w        io.Writer
	done     int64
	total    int64
	onBytes  ProgressFunc
	interval time.Duration
	last     time.Time
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.done += int64(n)
	if p.onBytes != nil && time.Since(p.last) >= p.interval {
		p.report()
	}
	return n, err
}

func (p *progressWriter) report() {
	if p.onBytes == nil {
		return
	}
	p.last = time.Now()
	p.onBytes(p.done, p.total)
}
