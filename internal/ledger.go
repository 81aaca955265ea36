package warden

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"
)

var (
	errBanExists = errors.New("ban already exists")
	errLedger    = errors.New("ledger failure")
)

type failureState struct {
	Attempts    int       `json:"attempts"`
	WindowStart time.Time `json:"windowStart"`
	LastSeen    time.Time `json:"lastSeen"`
}

type banRecord struct {
	Address  netip.Addr    `json:"address"`
	BannedAt time.Time     `json:"bannedAt"`
	BanTime  time.Duration `json:"banTime"`
	Service  string        `json:"service"`
}

func (b *banRecord) expired(now time.Time) bool {
	return now.Sub(b.BannedAt) >= b.BanTime
}

// ledger stores failure states and bans per address. A nil state or
// record with a nil error means there is no entry for the address.
type ledger interface {
	failure(ctx context.Context, ip netip.Addr) (*failureState, error)
	putFailure(ctx context.Context, ip netip.Addr, s *failureState) error
	deleteFailure(ctx context.Context, ip netip.Addr) error
	ban(ctx context.Context, ip netip.Addr) (*banRecord, error)
	// putBan returns errBanExists if the address is already banned.
	putBan(ctx context.Context, b *banRecord) error
	deleteBan(ctx context.Context, ip netip.Addr) error
	// bans returns a point-in-time snapshot of all bans.
	bans(ctx context.Context) ([]*banRecord, error)
	close() error
}

func newLedger(c *Configuration) (ledger, error) {
	switch c.Ledger {
	case "":
		return nil, errors.New("missing configuration value for ledger")
	case "redis":
		l, err := newRedisLedger(c.Redis)
		if err != nil {
			return nil, err
		}
		return l, nil
	case "badger":
		l, err := newBadgerLedger(c.Badger)
		if err != nil {
			return nil, err
		}
		return l, nil
	case "memory":
		return newMemoryLedger(), nil
	default:
		return nil, fmt.Errorf("unknown ledger: %s", c.Ledger)
	}
}
