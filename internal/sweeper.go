package warden

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

type sweeper struct {
	ledger   ledger
	firewall *firewall
	clock    clock
	interval time.Duration
}

// sweep lifts every ban that has expired at now. A ban whose rule cannot be
// removed stays in the ledger and is retried by the next sweep.
func (s *sweeper) sweep(ctx context.Context, now time.Time) error {
	bs, err := s.ledger.bans(ctx)
	if err != nil {
		return err
	}

	for _, b := range bs {
		if !b.expired(now) {
			continue
		}

		if err := s.firewall.remove(b.Address); err != nil {
			log.Error().
				Err(err).
				Stringer("ip", b.Address).
				Str("service", b.Service).
				Str("operation", "remove").
				Msg("failed to lift ban")
			continue
		}
		if err := s.ledger.deleteBan(ctx, b.Address); err != nil {
			return err
		}

		log.Info().Stringer("ip", b.Address).Str("service", b.Service).Msg("lifted ban")
	}

	return nil
}

func (s *sweeper) run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	sctx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := s.sweep(sctx, s.clock.now()); err != nil {
				return err
			}
		}
	}
}
