package warden

import (
	"context"
	"net/netip"
	"strings"

	"github.com/patrickmn/go-cache"
)

const (
	memoryFailurePrefix = "fail/"
	memoryBanPrefix     = "ban/"
)

// memoryLedger keeps everything in process memory. Bans do not survive a
// restart.
type memoryLedger struct {
	cache *cache.Cache
}

func (l *memoryLedger) failure(_ context.Context, ip netip.Addr) (*failureState, error) {
	v, ok := l.cache.Get(memoryFailurePrefix + ip.String())
	if !ok {
		return nil, nil
	}
	s := v.(failureState)
	return &s, nil
}

func (l *memoryLedger) putFailure(_ context.Context, ip netip.Addr, s *failureState) error {
	l.cache.Set(memoryFailurePrefix+ip.String(), *s, cache.NoExpiration)
	return nil
}

func (l *memoryLedger) deleteFailure(_ context.Context, ip netip.Addr) error {
	l.cache.Delete(memoryFailurePrefix + ip.String())
	return nil
}

func (l *memoryLedger) ban(_ context.Context, ip netip.Addr) (*banRecord, error) {
	v, ok := l.cache.Get(memoryBanPrefix + ip.String())
	if !ok {
		return nil, nil
	}
	b := v.(banRecord)
	return &b, nil
}

func (l *memoryLedger) putBan(_ context.Context, b *banRecord) error {
	if err := l.cache.Add(memoryBanPrefix+b.Address.String(), *b, cache.NoExpiration); err != nil {
		return errBanExists
	}
	return nil
}

func (l *memoryLedger) deleteBan(_ context.Context, ip netip.Addr) error {
	l.cache.Delete(memoryBanPrefix + ip.String())
	return nil
}

func (l *memoryLedger) bans(_ context.Context) ([]*banRecord, error) {
	bs := make([]*banRecord, 0)
	for k, it := range l.cache.Items() {
		if !strings.HasPrefix(k, memoryBanPrefix) {
			continue
		}
		b := it.Object.(banRecord)
		bs = append(bs, &b)
	}
	return bs, nil
}

func (l *memoryLedger) close() error {
	l.cache.Flush()
	return nil
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{
		cache: cache.New(cache.NoExpiration, 0),
	}
}
