package flash

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/exp/constraints"
)

// hex formats an address the way the programmer expects it
func hex[T constraints.Unsigned](v T) string {
	return fmt.Sprintf("0x%x", v)
}

// exists reports whether path is a regular file
func exists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
