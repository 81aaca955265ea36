//go:build system

package warden

import (
	"net/netip"
	"testing"
)

func TestBackendsSystem(t *testing.T) {
	tb := func(n string) {
		rn, err := newTestRunner()
		testNoError(t, err)
		b, err := newBackend(rn, n)
		testNoError(t, err)

		testNoError(t, b.initialize())
		for _, ip := range []netip.Addr{testIP4, testIP6} {
			testNoError(t, b.apply(ip))
			testNoError(t, b.apply(ip))
			testNoError(t, b.remove(ip))
			testNoError(t, b.remove(ip))
		}
		testNoError(t, b.finalize())
	}

	tb("ipset")
	tb("nft")
	tb("iptables")
}

func TestRunnerInitializeFinalizeSystem(t *testing.T) {
	tb := func(n string) {
		rn, err := newTestRunner()
		testNoError(t, err)
		rn.configuration.Backend = n
		testNoError(t, rn.Initialize())
		testNoError(t, rn.Finalize())
	}

	tb("ipset")
	tb("nft")
	tb("iptables")
}
