// internal/channel/serial_port.go
package channel

import (
	"fmt"

	"go.bug.st/serial"
)

// OpenSerial opens a serial port through go.bug.st/serial
func OpenSerial(target string, params Params) (Port, error) {
	mode, err := params.SerialMode()
	if err != nil {
		return nil, fmt.Errorf("invalid serial parameters: %w", err)
	}

	port, err := serial.Open(target, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port: %w", err)
	}

	// Discard whatever the adapter buffered before we were listening
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to reset input buffer: %w", err)
	}

	return port, nil
}
