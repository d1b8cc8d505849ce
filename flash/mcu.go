package flash

import (
	"sync"
	"time"

	"github.com/piotrjaromin/gpio"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var DefaultBaud = 460800
var DefaultPort = "/dev/ttyUSB0"

var ErrPortInUse = errors.New("serial port already has an open session")
var ErrSessionClosed = errors.New("session is closed")

// SessionConfig defines the port and optional boot strapping lines used to
// talk to one board
type SessionConfig struct {
	Port string
	Baud int

	// BootGPIO and EnableGPIO are host GPIO lines wired to the board's BOOT
	// and EN pins. Zero means not wired, the programmer then relies on its own
	// DTR/RTS auto-reset.
	BootGPIO   int
	EnableGPIO int

	// Probe opens the port once when the session starts to fail early on a
	// missing or busy port
	Probe bool
}

// Session is the exclusive handle on one physical serial port. Every step of
// a provisioning run receives the session explicitly; at most one session per
// port is open at a time and the caller owns its lifetime.
type Session struct {
	config *SessionConfig

	pinBoot   gpio.Pin
	pinEnable gpio.Pin
	strapped  bool

	closed bool
}

var (
	sessionsMu sync.Mutex
	sessions   = map[string]*Session{}
)

// OpenSession claims the configured port
func OpenSession(c *SessionConfig) (*Session, error) {
	if c == nil {
		c = &SessionConfig{}
	}
	if c.Port == "" {
		c.Port = DefaultPort
	}
	if c.Baud <= 0 {
		c.Baud = DefaultBaud
	}

	sessionsMu.Lock()
	defer sessionsMu.Unlock()

	if _, ok := sessions[c.Port]; ok {
		return nil, errors.Wrap(ErrPortInUse, c.Port)
	}

	if c.Probe {
		if err := probePort(c.Port, c.Baud); err != nil {
			return nil, err
		}
	}

	s := &Session{config: c}
	if c.BootGPIO > 0 && c.EnableGPIO > 0 {
		if err := s.setupPins(); err != nil {
			return nil, errors.Wrap(err, "could not setup pins")
		}
		s.strapped = true
	}

	sessions[c.Port] = s
	logrus.WithField("port", c.Port).Debug("session open")
	return s, nil
}

func (s *Session) setupPins() (err error) {
	// EN high keeps the chip running, BOOT high selects normal boot
	s.pinEnable, err = gpio.NewOutput(uint(s.config.EnableGPIO), true)
	if err != nil {
		return
	}
	s.pinBoot, err = gpio.NewOutput(uint(s.config.BootGPIO), true)
	if err != nil {
		s.pinEnable.Cleanup()
		return
	}
	return
}

// Port returns the serial port the session holds
func (s *Session) Port() string {
	return s.config.Port
}

// BaudRate returns the baud rate used by the programmer
func (s *Session) BaudRate() int {
	return s.config.Baud
}

// Target returns the programmer target for a chip family on this session
func (s *Session) Target(chip string) Target {
	return Target{Chip: chip, Port: s.config.Port, Baud: s.config.Baud}
}

// Close releases the port and resets the board into normal boot
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if s.strapped {
		s.Reset()
		s.pinBoot.Cleanup()
		s.pinEnable.Cleanup()
	}

	sessionsMu.Lock()
	delete(sessions, s.config.Port)
	sessionsMu.Unlock()

	logrus.WithField("port", s.config.Port).Debug("session close")
	return nil
}

// prepare runs before every external tool that talks to the chip
func (s *Session) prepare() error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.strapped {
		s.enterDownloadMode()
	}
	return nil
}

// enterDownloadMode holds BOOT low across an EN pulse, which makes the ROM
// bootloader wait for the programmer
func (s *Session) enterDownloadMode() {
	s.pinEnable.Low()
	s.pinBoot.Low()
	time.Sleep(10 * time.Millisecond)
	s.pinEnable.High()
	time.Sleep(50 * time.Millisecond)
	s.pinBoot.High()
}

// Reset pulses EN with BOOT released so the firmware starts
func (s *Session) Reset() {
	if !s.strapped {
		if err := pulseReset(s.config.Port); err != nil {
			logrus.Debugf("reset %s: %v", s.config.Port, err)
		}
		return
	}
	s.pinBoot.High()
	s.pinEnable.Low()
	time.Sleep(10 * time.Millisecond)
	s.pinEnable.High()
	time.Sleep(10 * time.Millisecond)
}
