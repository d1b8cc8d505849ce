package flash

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

var ErrNoPort = errors.New("serial port not found")

// ListPorts returns the serial ports present on the host
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, errors.Wrap(err, "could not list serial ports")
	}
	return ports, nil
}

// probePort opens and closes the port so a missing or busy port is reported
// before any tool is started
func probePort(name string, baud int) error {
	p, err := serial.Open(name, &serial.Mode{BaudRate: baud})
	if err != nil {
		return portError(name, err)
	}
	return p.Close()
}

// pulseReset toggles RTS the way USB-serial auto-reset circuits expect: RTS
// asserted pulls EN low
func pulseReset(name string) error {
	p, err := serial.Open(name, &serial.Mode{BaudRate: 115200})
	if err != nil {
		return portError(name, err)
	}
	defer p.Close()

	if err := p.SetDTR(false); err != nil {
		return err
	}
	if err := p.SetRTS(true); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	if err := p.SetRTS(false); err != nil {
		return err
	}
	logrus.Debugf("reset pulse on %s", name)
	return nil
}

func portError(name string, err error) error {
	var perr *serial.PortError
	if errors.As(err, &perr) {
		switch perr.Code() {
		case serial.PortBusy:
			return errors.Wrap(ErrPortInUse, name)
		case serial.PortNotFound:
			return errors.Wrap(ErrNoPort, name)
		}
	}
	return errors.Wrapf(err, "could not open %s", name)
}
