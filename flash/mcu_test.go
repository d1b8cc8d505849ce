package flash

import (
	"testing"

	"github.com/pkg/errors"
)

func TestOpenSessionExclusive(t *testing.T) {
	c := &SessionConfig{Port: "/dev/ttyEXCL0"}
	s, err := OpenSession(c)
	if err != nil {
		t.Fatalf("OpenSession() error = %v", err)
	}

	if _, err := OpenSession(&SessionConfig{Port: "/dev/ttyEXCL0"}); !errors.Is(err, ErrPortInUse) {
		t.Errorf("second OpenSession() error = %v, want ErrPortInUse", err)
	}

	other, err := OpenSession(&SessionConfig{Port: "/dev/ttyEXCL1"})
	if err != nil {
		t.Fatalf("OpenSession(other port) error = %v", err)
	}
	other.Close()

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	again, err := OpenSession(&SessionConfig{Port: "/dev/ttyEXCL0"})
	if err != nil {
		t.Fatalf("OpenSession() after Close error = %v", err)
	}
	again.Close()
}

func TestSessionDefaults(t *testing.T) {
	s, err := OpenSession(&SessionConfig{Port: "/dev/ttyDEF0"})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if s.BaudRate() != DefaultBaud {
		t.Errorf("BaudRate() = %d", s.BaudRate())
	}
	tg := s.Target("esp32s3")
	if tg.Chip != "esp32s3" || tg.Port != "/dev/ttyDEF0" || tg.Baud != DefaultBaud {
		t.Errorf("Target() = %+v", tg)
	}
}
