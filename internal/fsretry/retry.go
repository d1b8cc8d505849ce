// Package fsretry retries filesystem operations that can fail while a
// recently exited subprocess still holds handles on the files involved.
package fsretry

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Policy bounds a retry loop
type Policy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// Default is used by RemoveAll and Rename
var Default = Policy{
	Attempts: 5,
	Initial:  100 * time.Millisecond,
	Max:      2 * time.Second,
}

// Do runs fn until it succeeds, the attempts are used up or ctx is done. The
// delay doubles after every failure up to Max. The last error is returned.
func Do(ctx context.Context, p Policy, fn func() error) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	delay := p.Initial

	var err error
	for i := 0; i < p.Attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == p.Attempts-1 {
			break
		}
		logrus.Debugf("fsretry: attempt %d failed: %v", i+1, err)

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), err.Error())
		case <-time.After(delay):
		}
		delay *= 2
		if p.Max > 0 && delay > p.Max {
			delay = p.Max
		}
	}
	return err
}

// RemoveAll deletes path and everything below it
func RemoveAll(ctx context.Context, path string) error {
	return Do(ctx, Default, func() error {
		return os.RemoveAll(path)
	})
}

// Rename moves oldpath to newpath
func Rename(ctx context.Context, oldpath, newpath string) error {
	return Do(ctx, Default, func() error {
		return os.Rename(oldpath, newpath)
	})
}
