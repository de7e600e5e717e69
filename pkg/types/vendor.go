package types

import "fmt"

// Vendor identifies a hardware signing device family.
type Vendor uint8

const (
	VendorNone Vendor = iota
	VendorLedger
	VendorTrezor
)

// String returns the vendor name.
func (v Vendor) String() string {
	switch v {
	case VendorNone:
		return ""
	case VendorLedger:
		return "Ledger"
	case VendorTrezor:
		return "Trezor"
	default:
		return fmt.Sprintf("Vendor(%d)", uint8(v))
	}
}

// MarshalText encodes the vendor by name.
func (v Vendor) MarshalText() ([]byte, error) {
	switch v {
	case VendorNone, VendorLedger, VendorTrezor:
		return []byte(v.String()), nil
	default:
		return nil, fmt.Errorf("unknown vendor %d", uint8(v))
	}
}

// UnmarshalText decodes a vendor name.
func (v *Vendor) UnmarshalText(text []byte) error {
	parsed, err := ParseVendor(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ParseVendor parses "Ledger" or "Trezor" (case-sensitive, as sent by devices).
func ParseVendor(s string) (Vendor, error) {
	switch s {
	case "":
		return VendorNone, nil
	case "Ledger":
		return VendorLedger, nil
	case "Trezor":
		return VendorTrezor, nil
	default:
		return VendorNone, fmt.Errorf("unknown vendor %q", s)
	}
}
