package warden

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisDefaultPrefix = "warden"
	redisPingTimeout   = 5 * time.Second
)

type RedisConfiguration struct {
	Address  string `toml:"address" yaml:"address"`
	Username string `toml:"username" yaml:"username"`
	Password string `toml:"password" yaml:"password"`
	DB       int    `toml:"db" yaml:"db"`
	Prefix   string `toml:"prefix" yaml:"prefix"`
}

// redisLedger stores one hash per failing address, one hash per banned
// address and a set indexing the banned addresses:
//
//	<prefix>::fail::<ip>     {attempts, windowStart, lastSeen}
//	<prefix>::banned::<ip>   {bannedAt, banTime, service}
//	<prefix>::banned::ips    set of banned addresses
type redisLedger struct {
	client *redis.Client
	prefix string
}

func (l *redisLedger) failureKey(ip netip.Addr) string {
	return fmt.Sprintf("%s::fail::%s", l.prefix, ip)
}

func (l *redisLedger) banKey(ip string) string {
	return fmt.Sprintf("%s::banned::%s", l.prefix, ip)
}

func (l *redisLedger) indexKey() string {
	return l.prefix + "::banned::ips"
}

func (l *redisLedger) failure(ctx context.Context, ip netip.Addr) (*failureState, error) {
	h, err := l.client.HGetAll(ctx, l.failureKey(ip)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errLedger, err)
	}
	if len(h) == 0 {
		return nil, nil
	}

	return decodeFailureState(h)
}

func (l *redisLedger) putFailure(ctx context.Context, ip netip.Addr, s *failureState) error {
	err := l.client.HSet(ctx, l.failureKey(ip),
		"attempts", strconv.Itoa(s.Attempts),
		"windowStart", s.WindowStart.Format(time.RFC3339Nano),
		"lastSeen", s.LastSeen.Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("%w: %w", errLedger, err)
	}
	return nil
}

func (l *redisLedger) deleteFailure(ctx context.Context, ip netip.Addr) error {
	if err := l.client.Del(ctx, l.failureKey(ip)).Err(); err != nil {
		return fmt.Errorf("%w: %w", errLedger, err)
	}
	return nil
}

func (l *redisLedger) ban(ctx context.Context, ip netip.Addr) (*banRecord, error) {
	h, err := l.client.HGetAll(ctx, l.banKey(ip.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errLedger, err)
	}
	if len(h) == 0 {
		return nil, nil
	}

	return decodeBanRecord(ip.String(), h)
}

func (l *redisLedger) putBan(ctx context.Context, b *banRecord) error {
	ip := b.Address.String()
	k := l.banKey(ip)
	err := l.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, k).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return errBanExists
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, k,
				"bannedAt", b.BannedAt.Format(time.RFC3339Nano),
				"banTime", b.BanTime.String(),
				"service", b.Service,
			)
			p.SAdd(ctx, l.indexKey(), ip)
			return nil
		})
		return err
	}, k)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errBanExists), errors.Is(err, redis.TxFailedErr):
		// A concurrent writer touched the key first
		return errBanExists
	default:
		return fmt.Errorf("%w: %w", errLedger, err)
	}
}

func (l *redisLedger) deleteBan(ctx context.Context, ip netip.Addr) error {
	_, err := l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, l.banKey(ip.String()))
		p.SRem(ctx, l.indexKey(), ip.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", errLedger, err)
	}
	return nil
}

func (l *redisLedger) bans(ctx context.Context) ([]*banRecord, error) {
	ips, err := l.client.SMembers(ctx, l.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errLedger, err)
	}
	if len(ips) == 0 {
		return []*banRecord{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ips))
	_, err = l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for i, ip := range ips {
			cmds[i] = p.HGetAll(ctx, l.banKey(ip))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errLedger, err)
	}

	bs := make([]*banRecord, 0, len(ips))
	for i, c := range cmds {
		h := c.Val()
		if len(h) == 0 {
			// Removed between listing and reading
			continue
		}
		b, err := decodeBanRecord(ips[i], h)
		if err != nil {
			return nil, err
		}
		bs = append(bs, b)
	}
	return bs, nil
}

func (l *redisLedger) close() error {
	return l.client.Close()
}

func decodeFailureState(h map[string]string) (*failureState, error) {
	a, err := strconv.Atoi(h["attempts"])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid attempts: %w", errLedger, err)
	}
	ws, err := time.Parse(time.RFC3339Nano, h["windowStart"])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid window start: %w", errLedger, err)
	}
	ls, err := time.Parse(time.RFC3339Nano, h["lastSeen"])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid last seen: %w", errLedger, err)
	}

	return &failureState{Attempts: a, WindowStart: ws, LastSeen: ls}, nil
}

func decodeBanRecord(ip string, h map[string]string) (*banRecord, error) {
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid banned address: %w", errLedger, err)
	}
	ba, err := time.Parse(time.RFC3339Nano, h["bannedAt"])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ban time of %s: %w", errLedger, ip, err)
	}
	bt, err := time.ParseDuration(h["banTime"])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ban duration of %s: %w", errLedger, ip, err)
	}

	return &banRecord{Address: a, BannedAt: ba, BanTime: bt, Service: h["service"]}, nil
}

func newRedisLedger(c RedisConfiguration) (*redisLedger, error) {
	if c.Address == "" {
		return nil, errors.New("missing configuration value for redis address")
	}
	p := c.Prefix
	if p == "" {
		p = redisDefaultPrefix
	}

	cl := redis.NewClient(&redis.Options{
		Addr:     c.Address,
		Username: c.Username,
		Password: c.Password,
		DB:       c.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := cl.Ping(ctx).Err(); err != nil {
		cl.Close()
		return nil, fmt.Errorf("%w: failed to connect to redis at %s: %w", errLedger, c.Address, err)
	}

	return &redisLedger{client: cl, prefix: p}, nil
}
