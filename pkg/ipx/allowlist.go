// Package ipx evaluates IP allowlists mixing exact literals and CIDR ranges,
// for both IPv4 and IPv6.
package ipx

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// ErrInvalidEntry reports an allowlist entry that is neither a valid IP
// literal nor a valid CIDR block.
var ErrInvalidEntry = errors.New("ipx: invalid allowlist entry")

// Allowlist is a parsed set of exact addresses and prefixes. The zero value
// (empty list) allows everything; an address must match at least one entry
// once any entries exist.
type Allowlist struct {
	addrs    []netip.Addr
	prefixes []netip.Prefix
}

// Parse builds an Allowlist from raw entries. Each entry is either an IP
// literal ("192.168.1.7", "2001:db8::1") or a CIDR block ("10.0.0.0/8",
// "2001:db8::/32"). Whitespace-only entries are skipped.
func Parse(entries []string) (*Allowlist, error) {
	al := &Allowlist{}
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("%w: %q", ErrInvalidEntry, entry)
			}
			al.prefixes = append(al.prefixes, prefix.Masked())
			continue
		}

		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidEntry, entry)
		}
		al.addrs = append(al.addrs, addr.Unmap())
	}
	return al, nil
}

// Validate reports whether every entry parses, without building a list.
func Validate(entries []string) error {
	_, err := Parse(entries)
	return err
}

// Empty reports whether the list has no entries (meaning: no restriction).
func (al *Allowlist) Empty() bool {
	return al == nil || (len(al.addrs) == 0 && len(al.prefixes) == 0)
}

// Allows reports whether the candidate IP is admitted. An empty list admits
// everything; otherwise the address must equal a listed literal or fall
// inside a listed range. Unparseable candidates are denied.
func (al *Allowlist) Allows(candidate string) bool {
	if al.Empty() {
		return true
	}

	addr, err := netip.ParseAddr(strings.TrimSpace(candidate))
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	for _, a := range al.addrs {
		if a == addr {
			return true
		}
	}
	for _, p := range al.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
