// Package device finds USB video capture nodes by vendor and product id.
package device

import (
	"fmt"
	"strconv"
	"strings"
)

// Identity is a USB vendor/product id pair.
type Identity struct {
	VendorID  uint16
	ProductID uint16
}

func (id Identity) String() string {
	return fmt.Sprintf("%04x:%04x", id.VendorID, id.ProductID)
}

// ParseIdentity parses "vvvv:pppp" with both halves in hex.
func ParseIdentity(s string) (Identity, error) {
	v, p, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Identity{}, fmt.Errorf("parsing usb id %q: expected vendor:product", s)
	}
	vid, err := strconv.ParseUint(v, 16, 16)
	if err != nil {
		return Identity{}, fmt.Errorf("parsing vendor id %q: %v", v, err)
	}
	pid, err := strconv.ParseUint(p, 16, 16)
	if err != nil {
		return Identity{}, fmt.Errorf("parsing product id %q: %v", p, err)
	}
	return Identity{uint16(vid), uint16(pid)}, nil
}

// ParseModalias extracts the identity from a kernel modalias string such as
// "usb:v046Dp0825d0012dcEFdsc02dp01ic0Eisc01ip00in00".
func ParseModalias(s string) (Identity, error) {
	if len(s) < 14 || !strings.HasPrefix(s, "usb:v") || s[9] != 'p' {
		return Identity{}, fmt.Errorf("not a usb modalias: %q", s)
	}
	vid, err := strconv.ParseUint(s[5:9], 16, 16)
	if err != nil {
		return Identity{}, fmt.Errorf("bad vendor id in modalias %q", s)
	}
	pid, err := strconv.ParseUint(s[10:14], 16, 16)
	if err != nil {
		return Identity{}, fmt.Errorf("bad product id in modalias %q", s)
	}
	return Identity{uint16(vid), uint16(pid)}, nil
}
