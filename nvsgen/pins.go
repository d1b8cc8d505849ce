// Package nvsgen produces the small NVS image that overlays per-board pin
// assignments on top of the firmware defaults.
package nvsgen

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"github.com/tidwall/jsonc"
)

// Namespace the firmware reads pin assignments from
const Namespace = "pins"

// PinConfig assigns GPIO numbers to board roles. A nil field means "keep the
// firmware default" and is left out of the image entirely.
type PinConfig struct {
	StatusLED   *int `json:"status_led,omitempty"`
	Button      *int `json:"button,omitempty"`
	I2CSDA      *int `json:"i2c_sda,omitempty"`
	I2CSCL      *int `json:"i2c_scl,omitempty"`
	UARTTX      *int `json:"uart_tx,omitempty"`
	UARTRX      *int `json:"uart_rx,omitempty"`
	Relay       *int `json:"relay,omitempty"`
	SensorPower *int `json:"sensor_power,omitempty"`
}

// Pin returns a pointer to n, for building configs in code
func Pin(n int) *int {
	return &n
}

type pinField struct {
	key string
	val *int
}

// NVS keys are limited to 15 characters
func (c PinConfig) fields() []pinField {
	return []pinField{
		{"status_led", c.StatusLED},
		{"button", c.Button},
		{"i2c_sda", c.I2CSDA},
		{"i2c_scl", c.I2CSCL},
		{"uart_tx", c.UARTTX},
		{"uart_rx", c.UARTRX},
		{"relay", c.Relay},
		{"sensor_power", c.SensorPower},
	}
}

// IsEmpty reports whether no pin is set
func (c PinConfig) IsEmpty() bool {
	for _, f := range c.fields() {
		if f.val != nil {
			return false
		}
	}
	return true
}

// Validate checks the assigned pin numbers are plausible GPIOs
func (c PinConfig) Validate() error {
	for _, f := range c.fields() {
		if f.val == nil {
			continue
		}
		if *f.val < 0 || *f.val > 48 {
			return errors.Errorf("pin %s: gpio %d out of range", f.key, *f.val)
		}
	}
	return nil
}

// LoadPinConfig reads a JSON document, comments and trailing commas allowed
func LoadPinConfig(path string) (PinConfig, error) {
	var c PinConfig
	bs, err := os.ReadFile(path)
	if err != nil {
		return c, errors.Wrap(err, "could not read pin config")
	}
	if err := json.Unmarshal(jsonc.ToJSON(bs), &c); err != nil {
		return c, errors.Wrapf(err, "could not parse %s", path)
	}
	return c, c.Validate()
}

// WriteCSV renders the config as an NVS partition generator input document
func (c PinConfig) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	rows := [][]string{
		{"key", "type", "encoding", "value"},
		{Namespace, "namespace", "", ""},
	}
	for _, f := range c.fields() {
		if f.val == nil {
			continue
		}
		rows = append(rows, []string{f.key, "data", "i32", strconv.Itoa(*f.val)})
	}
	if err := cw.WriteAll(rows); err != nil {
		return err
	}
	return cw.Error()
}
