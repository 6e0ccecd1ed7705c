// Package address derives a device's IPv6 addresses from its Network Data
// mirror.
//
// Derived global addresses are a pure function of the mirror: one address
// per distinct SLAAC-eligible prefix, with an opaque interface identifier
// computed from the device's extended address and the prefix. The same
// device always gets the same address in the same prefix, and removing the
// prefix from the mirror removes the address.
package address

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
	"slices"

	"go4.org/netipx"
	"golang.org/x/crypto/hkdf"

	"github.com/meshdata/meshdata-go/pkg/netdata"
)

// ExtAddr is an IEEE 802.15.4 extended address.
type ExtAddr [8]byte

// ExtAddrFromUint64 returns the big-endian extended address of v.
func ExtAddrFromUint64(v uint64) ExtAddr {
	var e ExtAddr
	binary.BigEndian.PutUint64(e[:], v)
	return e
}

// String returns the address as 16 hex digits.
func (e ExtAddr) String() string {
	return fmt.Sprintf("%016x", binary.BigEndian.Uint64(e[:]))
}

var iidInfo = []byte("meshdata slaac iid")

// IID computes the opaque interface identifier of ext in prefix.
func IID(ext ExtAddr, prefix netip.Prefix) [8]byte {
	salt := prefix.Addr().As16()
	r := hkdf.New(sha256.New, ext[:], append(salt[:], byte(prefix.Bits())), iidInfo)
	var iid [8]byte
	if _, err := io.ReadFull(r, iid[:]); err != nil {
		// HKDF-SHA256 can produce up to 8160 bytes.
		panic(err)
	}
	return iid
}

// Eligible reports whether e yields a derived address.
func Eligible(e netdata.PrefixEntry) bool {
	return e.Flags.Has(netdata.FlagSLAAC) && e.Prefix.Addr().Is6() && e.Prefix.Bits() <= 64
}

// InPrefix forms the address of ext in prefix.
func InPrefix(ext ExtAddr, prefix netip.Prefix) netip.Addr {
	a := prefix.Masked().Addr().As16()
	iid := IID(ext, prefix)
	copy(a[8:], iid[:])
	return netip.AddrFrom16(a)
}

// LinkLocal returns the fe80::/64 address of ext (modified EUI-64).
func LinkLocal(ext ExtAddr) netip.Addr {
	var a [16]byte
	a[0], a[1] = 0xfe, 0x80
	copy(a[8:], ext[:])
	a[8] ^= 0x02
	return netip.AddrFrom16(a)
}

// Derive returns the global addresses of ext for every eligible entry in d,
// in ascending order.
func Derive(ext ExtAddr, d netdata.DataSet) []netip.Addr {
	var out []netip.Addr
	for _, e := range d.Entries() {
		if !Eligible(e) {
			continue
		}
		a := InPrefix(ext, e.Prefix)
		if !slices.Contains(out, a) {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b netip.Addr) int { return a.Compare(b) })
	return out
}

// MeshPrefixes returns the set of every prefix in d. Addresses outside it
// are not reachable inside the mesh.
func MeshPrefixes(d netdata.DataSet) (*netipx.IPSet, error) {
	var b netipx.IPSetBuilder
	for _, e := range d.Entries() {
		b.AddPrefix(e.Prefix)
	}
	b.AddPrefix(netip.MustParsePrefix("fe80::/64"))
	return b.IPSet()
}

// Filter returns the addresses of addrs inside prefix.
func Filter(addrs []netip.Addr, prefix netip.Prefix) []netip.Addr {
	var out []netip.Addr
	for _, a := range addrs {
		if prefix.Contains(a) {
			out = append(out, a)
		}
	}
	return out
}
