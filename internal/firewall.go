package warden

import (
	"net/netip"
	"sync"

	"github.com/rs/zerolog/log"
)

// firewall serializes all rule changes of a backend. Most backends rewrite
// or reload the whole rule set after a change.
type firewall struct {
	mutex   sync.Mutex
	backend backend
}

func (f *firewall) apply(ip netip.Addr) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if err := f.backend.apply(ip); err != nil {
		return err
	}
	log.Debug().Stringer("ip", ip).Msg("applied rule")
	return nil
}

func (f *firewall) remove(ip netip.Addr) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if err := f.backend.remove(ip); err != nil {
		return err
	}
	log.Debug().Stringer("ip", ip).Msg("removed rule")
	return nil
}

func newFirewall(b backend) *firewall {
	return &firewall{backend: b}
}
