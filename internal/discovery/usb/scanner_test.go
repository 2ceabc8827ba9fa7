package usb

import (
	"testing"

	"github.com/google/gousb"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestVendorDatabase(t *testing.T) {
	db := NewVendorDatabase()

	assert.True(t, db.IsKnownVendor(0x1AB1))
	assert.False(t, db.IsKnownVendor(0x04B8))
	assert.Equal(t, "Rigol Technologies DS1000Z Series", db.Describe(0x1AB1, 0x04CE))
	assert.Equal(t, "Rigol Technologies", db.Describe(0x1AB1, 0x9999))
	assert.Empty(t, db.Describe(0x04B8, 0x0202))

	db.AddProduct(0x04B8, 0x0202, "ignored")
	assert.False(t, db.IsKnownVendor(0x04B8))

	db.AddVendor(0x0957, "Keysight Technologies")
	db.AddProduct(0x0957, 0x1755, "33500B Series")
	assert.Equal(t, "Keysight Technologies 33500B Series", db.Describe(0x0957, 0x1755))
}

func TestHasTMCInterface(t *testing.T) {
	tmc := &gousb.DeviceDesc{
		Configs: map[int]gousb.ConfigDesc{
			1: {
				Number: 1,
				Interfaces: []gousb.InterfaceDesc{
					{Number: 0, AltSettings: []gousb.InterfaceSetting{{Class: gousb.Class(0x03)}}},
					{Number: 1, AltSettings: []gousb.InterfaceSetting{{Class: gousb.Class(0xFE), SubClass: gousb.Class(0x03)}}},
				},
			},
		},
	}
	printer := &gousb.DeviceDesc{
		Configs: map[int]gousb.ConfigDesc{
			1: {Interfaces: []gousb.InterfaceDesc{{AltSettings: []gousb.InterfaceSetting{{Class: gousb.Class(0x07)}}}}},
		},
	}

	assert.True(t, HasTMCInterface(tmc))
	assert.False(t, HasTMCInterface(printer))
	assert.False(t, HasTMCInterface(&gousb.DeviceDesc{}))
}

func TestScanner_Disabled(t *testing.T) {
	scanner := NewScanner(zap.NewNop(), false)
	assert.False(t, scanner.IsAvailable())
	assert.Equal(t, "usb", scanner.GetScannerType())
}
