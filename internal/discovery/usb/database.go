// internal/discovery/usb/database.go
package usb

import (
	"github.com/google/gousb"
)

// VendorDatabase names test and measurement vendors and some of their products
type VendorDatabase struct {
	vendors map[gousb.ID]*VendorInfo
}

// VendorInfo contains vendor-specific information
type VendorInfo struct {
	Name     string
	products map[gousb.ID]string
}

// NewVendorDatabase creates and initializes the vendor database
func NewVendorDatabase() *VendorDatabase {
	db := &VendorDatabase{
		vendors: make(map[gousb.ID]*VendorInfo),
	}
	db.initializeDatabase()
	return db
}

func (db *VendorDatabase) initializeDatabase() {
	db.AddVendor(0x0957, "Agilent Technologies")
	db.AddVendor(0x2A8D, "Keysight Technologies")
	db.AddVendor(0x0699, "Tektronix")
	db.AddVendor(0x05E6, "Keithley Instruments")
	db.AddVendor(0x0AAD, "Rohde & Schwarz")
	db.AddVendor(0x3923, "National Instruments")
	db.AddVendor(0x2184, "GW Instek")
	db.AddVendor(0xF4EC, "Siglent Technologies")
	db.AddVendor(0xF4ED, "Siglent Technologies")

	db.AddVendor(0x1AB1, "Rigol Technologies")
	db.AddProduct(0x1AB1, 0x04CE, "DS1000Z Series")
	db.AddProduct(0x1AB1, 0x0E11, "DP800 Series")
	db.AddProduct(0x1AB1, 0x0588, "DS1000D/E Series")
}

// IsKnownVendor checks if a vendor ID is in the database
func (db *VendorDatabase) IsKnownVendor(vendorID gousb.ID) bool {
	_, exists := db.vendors[vendorID]
	return exists
}

// Describe returns a readable description for a vendor/product pair
func (db *VendorDatabase) Describe(vendorID, productID gousb.ID) string {
	vendor, exists := db.vendors[vendorID]
	if !exists {
		return ""
	}
	if product, ok := vendor.products[productID]; ok {
		return vendor.Name + " " + product
	}
	return vendor.Name
}

// AddVendor adds a vendor to the database
func (db *VendorDatabase) AddVendor(vendorID gousb.ID, name string) {
	if _, exists := db.vendors[vendorID]; exists {
		db.vendors[vendorID].Name = name
		return
	}
	db.vendors[vendorID] = &VendorInfo{Name: name, products: make(map[gousb.ID]string)}
}

// AddProduct adds a product to an existing vendor
func (db *VendorDatabase) AddProduct(vendorID, productID gousb.ID, name string) {
	if vendor, exists := db.vendors[vendorID]; exists {
		vendor.products[productID] = name
	}
}
