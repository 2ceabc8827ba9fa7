// internal/channel/usb_port.go
package channel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/gousb"
)

const (
	usbClassApplication = gousb.Class(0xFE)
	usbSubClassTMC      = gousb.Class(0x03)
)

// FormatUSBTarget builds the target identifier of a USB instrument
func FormatUSBTarget(vendor, product gousb.ID, bus, address int) string {
	return fmt.Sprintf("usb:%04x:%04x:%d:%d", uint16(vendor), uint16(product), bus, address)
}

// ParseUSBTarget splits a target built by FormatUSBTarget
func ParseUSBTarget(target string) (vendor, product gousb.ID, bus, address int, err error) {
	parts := strings.Split(target, ":")
	if len(parts) != 5 || parts[0] != "usb" {
		return 0, 0, 0, 0, fmt.Errorf("invalid USB target %q", target)
	}

	vid, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("invalid vendor ID: %w", err)
	}
	pid, err := strconv.ParseUint(parts[2], 16, 16)
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("invalid product ID: %w", err)
	}
	if bus, err = strconv.Atoi(parts[3]); err != nil {
		return 0, 0, 0, 0, fmt.Errorf("invalid bus number: %w", err)
	}
	if address, err = strconv.Atoi(parts[4]); err != nil {
		return 0, 0, 0, 0, fmt.Errorf("invalid device address: %w", err)
	}

	return gousb.ID(vid), gousb.ID(pid), bus, address, nil
}

// IsUSBTMC reports whether the interface setting is a USB test and measurement interface
func IsUSBTMC(setting gousb.InterfaceSetting) bool {
	return setting.Class == usbClassApplication && setting.SubClass == usbSubClassTMC
}

// usbPort speaks USBTMC over the bulk endpoints of one instrument
type usbPort struct {
	mutex        sync.Mutex
	usbCtx       *gousb.Context
	device       *gousb.Device
	config       *gousb.Config
	intf         *gousb.Interface
	outEndpt     *gousb.OutEndpoint
	inEndpt      *gousb.InEndpoint
	readTimeout  time.Duration
	transferSize int
	tag          byte
	awaiting     bool
	requested    bool
	pendingData  []byte
}

// NewUSBOpener returns an Opener for USBTMC targets
func NewUSBOpener(transferSize int) Opener {
	if transferSize <= 0 {
		transferSize = 512
	}
	return func(target string, _ Params) (Port, error) {
		return openUSB(target, transferSize)
	}
}

func openUSB(target string, transferSize int) (Port, error) {
	vendor, product, bus, address, err := ParseUSBTarget(target)
	if err != nil {
		return nil, err
	}

	usbCtx := gousb.NewContext()
	devices, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == vendor && desc.Product == product && desc.Bus == bus && desc.Address == address
	})
	if len(devices) == 0 {
		usbCtx.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to enumerate USB devices: %w", err)
		}
		return nil, fmt.Errorf("USB device not found: %s", target)
	}
	for _, extra := range devices[1:] {
		extra.Close()
	}
	device := devices[0]

	if err := device.SetAutoDetach(true); err != nil {
		device.Close()
		usbCtx.Close()
		return nil, fmt.Errorf("failed to enable kernel driver auto detach: %w", err)
	}

	port := &usbPort{
		usbCtx:       usbCtx,
		device:       device,
		transferSize: transferSize,
		readTimeout:  10 * time.Millisecond,
	}
	if err := port.claimTMCInterface(); err != nil {
		port.Close()
		return nil, err
	}

	return port, nil
}

// claimTMCInterface finds the USBTMC interface and its bulk endpoints
func (p *usbPort) claimTMCInterface() error {
	for cfgNum, cfgDesc := range p.device.Desc.Configs {
		for _, intfDesc := range cfgDesc.Interfaces {
			for _, setting := range intfDesc.AltSettings {
				if !IsUSBTMC(setting) {
					continue
				}

				inNum, outNum := -1, -1
				for _, endpoint := range setting.Endpoints {
					if endpoint.TransferType != gousb.TransferTypeBulk {
						continue
					}
					if endpoint.Direction == gousb.EndpointDirectionIn {
						inNum = endpoint.Number
					} else {
						outNum = endpoint.Number
					}
				}
				if inNum < 0 || outNum < 0 {
					continue
				}

				config, err := p.device.Config(cfgNum)
				if err != nil {
					return fmt.Errorf("failed to select configuration %d: %w", cfgNum, err)
				}
				p.config = config

				intf, err := config.Interface(setting.Number, setting.Alternate)
				if err != nil {
					return fmt.Errorf("failed to claim interface: %w", err)
				}
				p.intf = intf

				if p.outEndpt, err = intf.OutEndpoint(outNum); err != nil {
					return fmt.Errorf("failed to get out endpoint: %w", err)
				}
				if p.inEndpt, err = intf.InEndpoint(inNum); err != nil {
					return fmt.Errorf("failed to get in endpoint: %w", err)
				}
				return nil
			}
		}
	}
	return errors.New("device has no USBTMC interface")
}

// Write sends data as one DEV_DEP_MSG_OUT transfer
func (p *usbPort) Write(data []byte) (int, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.outEndpt == nil {
		return 0, errors.New("USB port not open")
	}

	p.tag = nextTag(p.tag)
	if _, err := p.outEndpt.Write(encodeDevDepMsgOut(p.tag, data)); err != nil {
		return 0, fmt.Errorf("failed to write to USB device: %w", err)
	}

	p.awaiting = true
	p.requested = false
	return len(data), nil
}

// Read requests reply data after a write. Without an outstanding query it
// only waits for the read timeout, since USBTMC instruments never push data.
func (p *usbPort) Read(buf []byte) (int, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.inEndpt == nil {
		return 0, errors.New("USB port not open")
	}

	if len(p.pendingData) > 0 {
		return p.drainPending(buf), nil
	}

	if !p.awaiting {
		p.mutex.Unlock()
		time.Sleep(p.readTimeout)
		p.mutex.Lock()
		return 0, nil
	}

	if !p.requested {
		p.tag = nextTag(p.tag)
		if _, err := p.outEndpt.Write(encodeRequestDevDepMsgIn(p.tag, p.transferSize)); err != nil {
			return 0, fmt.Errorf("failed to request USB reply: %w", err)
		}
		p.requested = true
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.readTimeout)
	defer cancel()

	frame := make([]byte, usbtmcHeaderSize+p.transferSize+3)
	n, err := p.inEndpt.ReadContext(ctx, frame)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, gousb.TransferCancelled) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read from USB device: %w", err)
	}

	data, eom, err := decodeDevDepMsgIn(frame[:n], p.tag)
	if err != nil {
		p.awaiting = false
		p.requested = false
		return 0, err
	}

	p.requested = false
	if eom {
		p.awaiting = false
	}
	p.pendingData = append(p.pendingData[:0], data...)
	return p.drainPending(buf), nil
}

func (p *usbPort) drainPending(buf []byte) int {
	n := copy(buf, p.pendingData)
	p.pendingData = p.pendingData[n:]
	return n
}

// SetReadTimeout sets how long one bulk-in read may wait
func (p *usbPort) SetReadTimeout(timeout time.Duration) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.readTimeout = timeout
	return nil
}

// Close releases the interface, the device and the libusb context
func (p *usbPort) Close() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.intf != nil {
		p.intf.Close()
		p.intf = nil
	}
	if p.config != nil {
		p.config.Close()
		p.config = nil
	}

	var err error
	if p.device != nil {
		err = p.device.Close()
		p.device = nil
	}
	if p.usbCtx != nil {
		p.usbCtx.Close()
		p.usbCtx = nil
	}

	p.outEndpt = nil
	p.inEndpt = nil
	p.awaiting = false
	p.requested = false
	p.pendingData = nil
	return err
}
