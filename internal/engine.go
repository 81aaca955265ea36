package warden

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

var errBanFailed = errors.New("failed to ban")

// engine turns failure records into bans. It must be the only writer of
// failure states, so a single engine processes the records of all services.
type engine struct {
	ledger   ledger
	firewall *firewall
	services map[string]*service
	clock    clock
}

// process applies r to the failure state of its address. Window arithmetic
// uses the timestamps of the records only. Records older than findTime
// before the last seen failure are dropped.
func (e *engine) process(ctx context.Context, r *failureRecord) error {
	s, ok := e.services[r.service]
	if !ok {
		return fmt.Errorf("unknown service: %s", r.service)
	}
	if s.ignores(r.address) {
		log.Debug().Stringer("record", r).Msg("ignored address")
		return nil
	}

	b, err := e.ledger.ban(ctx, r.address)
	if err != nil {
		return err
	}
	if b != nil {
		log.Debug().Stringer("record", r).Msg("already banned")
		return nil
	}

	fs, err := e.ledger.failure(ctx, r.address)
	if err != nil {
		return err
	}

	t := r.observedAt
	// The window slides: each failure must follow the previous one within
	// findTime
	switch {
	case fs == nil || t.Sub(fs.LastSeen) > s.findTime:
		fs = &failureState{Attempts: 1, WindowStart: t, LastSeen: t}
	case fs.LastSeen.Sub(t) > s.findTime:
		log.Debug().Stringer("record", r).Msg("dropped stale record")
		return nil
	default:
		fs.Attempts++
		if t.After(fs.LastSeen) {
			fs.LastSeen = t
		}
		if t.Before(fs.WindowStart) {
			fs.WindowStart = t
		}
	}

	if fs.Attempts < s.MaxRetry {
		log.Debug().Stringer("record", r).Int("attempts", fs.Attempts).Msg("counted failure")
		return e.ledger.putFailure(ctx, r.address, fs)
	}

	return e.ban(ctx, s, r, fs)
}

func (e *engine) ban(ctx context.Context, s *service, r *failureRecord, fs *failureState) error {
	b := &banRecord{
		Address:  r.address,
		BannedAt: e.clock.now(),
		BanTime:  s.banTime,
		Service:  s.name,
	}
	if err := e.ledger.putBan(ctx, b); err != nil {
		if errors.Is(err, errBanExists) {
			log.Debug().Stringer("record", r).Msg("already banned")
			return e.ledger.deleteFailure(ctx, r.address)
		}
		return err
	}

	if err := e.firewall.apply(r.address); err != nil {
		if err := e.ledger.deleteBan(ctx, r.address); err != nil {
			return err
		}
		if err := e.ledger.putFailure(ctx, r.address, fs); err != nil {
			return err
		}
		return fmt.Errorf("%w %s: %w", errBanFailed, r.address, err)
	}

	if err := e.ledger.deleteFailure(ctx, r.address); err != nil {
		return err
	}

	log.Info().
		Stringer("ip", r.address).
		Str("service", s.name).
		Int("attempts", fs.Attempts).
		Dur("banTime", s.banTime).
		Msg("banned")

	return nil
}

// run processes records until ctx is done. Failed bans are logged and
// retried with the next failure of the address, anything else stops the
// engine.
func (e *engine) run(ctx context.Context, records <-chan *failureRecord) error {
	// Started ledger and firewall operations are allowed to complete
	pctx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-records:
			if err := e.process(pctx, r); err != nil {
				if errors.Is(err, errBanFailed) {
					log.Error().
						Err(err).
						Stringer("ip", r.address).
						Str("service", r.service).
						Str("operation", "apply").
						Msg("failed to ban")
					continue
				}
				return err
			}
		}
	}
}
