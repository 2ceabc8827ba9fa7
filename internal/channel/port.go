// internal/channel/port.go
package channel

import (
	"fmt"
	"io"
	"strings"
	"time"

	"go.bug.st/serial"
)

// Port is an opened duplex byte transport.
// Read returns (0, nil) when the read timeout elapses without data.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(timeout time.Duration) error
}

// Opener opens the transport behind target
type Opener func(target string, params Params) (Port, error)

// Params are the line parameters used when opening a port.
// USB ports ignore them.
type Params struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// Normalize validates the params and applies defaults for any unset values.
func (p Params) Normalize() (Params, error) {
	params := p

	if params.BaudRate < 0 {
		return params, fmt.Errorf("invalid baud rate %d", params.BaudRate)
	}

	if params.DataBits == 0 {
		params.DataBits = 8
	}
	if params.DataBits < 5 || params.DataBits > 8 {
		return params, fmt.Errorf("invalid data bits %d: must be between 5 and 8", params.DataBits)
	}

	if params.StopBits == 0 {
		params.StopBits = 1
	}
	if params.StopBits != 1 && params.StopBits != 2 {
		return params, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", params.StopBits)
	}

	switch strings.ToLower(strings.TrimSpace(params.Parity)) {
	case "", "n", "none":
		params.Parity = "none"
	case "e", "even":
		params.Parity = "even"
	case "o", "odd":
		params.Parity = "odd"
	default:
		return params, fmt.Errorf("unsupported parity %q", params.Parity)
	}

	return params, nil
}

// SerialMode converts the params into the serial.Mode required by go.bug.st/serial
func (p Params) SerialMode() (*serial.Mode, error) {
	params, err := p.Normalize()
	if err != nil {
		return nil, err
	}
	if params.BaudRate == 0 {
		return nil, fmt.Errorf("baud rate is required for serial ports")
	}

	mode := &serial.Mode{
		BaudRate: params.BaudRate,
		DataBits: params.DataBits,
		StopBits: serial.OneStopBit,
		Parity:   serial.NoParity,
	}
	if params.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}

	switch params.Parity {
	case "even":
		mode.Parity = serial.EvenParity
	case "odd":
		mode.Parity = serial.OddParity
	}

	return mode, nil
}

// String renders the params the way instrument manuals do, e.g. 9600 8N1
func (p Params) String() string {
	params, err := p.Normalize()
	if err != nil {
		return fmt.Sprintf("%d ?", p.BaudRate)
	}
	return fmt.Sprintf("%d %d%s%d", params.BaudRate, params.DataBits, strings.ToUpper(params.Parity[:1]), params.StopBits)
}
