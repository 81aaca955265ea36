package warden

import (
	"fmt"
	"net/netip"
	"strings"

	"go4.org/netipx"
)

// newIgnoreSet builds the set of addresses that never accumulate failures.
// Entries are single addresses, CIDR prefixes or ranges ("a-b"). Loopback is
// always included.
func newIgnoreSet(entries ...[]string) (*netipx.IPSet, error) {
	var b netipx.IPSetBuilder
	b.AddPrefix(netip.MustParsePrefix("127.0.0.0/8"))
	b.Add(netip.IPv6Loopback())

	for _, es := range entries {
		for _, e := range es {
			e = strings.TrimSpace(e)
			switch {
			case strings.Contains(e, "/"):
				p, err := netip.ParsePrefix(e)
				if err != nil {
					return nil, fmt.Errorf(`invalid ignore prefix "%s": %w`, e, err)
				}
				b.AddPrefix(p.Masked())
			case strings.Contains(e, "-"):
				r, err := netipx.ParseIPRange(e)
				if err != nil {
					return nil, fmt.Errorf(`invalid ignore range "%s": %w`, e, err)
				}
				b.AddRange(r)
			default:
				a, err := netip.ParseAddr(e)
				if err != nil {
					return nil, fmt.Errorf(`invalid ignore address "%s": %w`, e, err)
				}
				b.Add(a.Unmap())
			}
		}
	}

	return b.IPSet()
}
