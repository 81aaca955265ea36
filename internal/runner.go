package warden

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultSweepInterval = time.Second

type Runner struct {
	configuration *Configuration
	backend       backend
	firewall      *firewall
	ledger        ledger
	executor      executor
	clock         clock
	services      map[string]*service
	records       chan *failureRecord
	engine        *engine
	sweeper       *sweeper
	stop          context.CancelFunc
	stopped       context.Context
}

func (rn *Runner) initializeServices() error {
	rn.services = make(map[string]*service)
	for n, s := range rn.configuration.Services {
		if s == nil || !s.Enabled {
			log.Info().Str("service", n).Msg("service disabled")
			continue
		}

		s.name = n
		if err := s.initialize(rn); err != nil {
			return fmt.Errorf(`failed to initialize service "%s": %w`, n, err)
		}

		if fi, err := os.Stat(s.LogPath); err != nil {
			log.Error().Err(err).Str("service", n).Str("path", s.LogPath).Msg("service disabled: log file not accessible")
			continue
		} else if fi.IsDir() {
			return fmt.Errorf(`failed to initialize service "%s": "%s" is a directory`, n, s.LogPath)
		}

		rn.services[n] = s
	}

	if len(rn.services) == 0 {
		return errors.New("no enabled service could be started")
	}

	return nil
}

// reconcile applies the rule of every ban in the ledger. The backend starts
// from an empty rule set after a restart or a reboot.
func (rn *Runner) reconcile(ctx context.Context) error {
	bs, err := rn.ledger.bans(ctx)
	if err != nil {
		return err
	}

	for _, b := range bs {
		if err := rn.firewall.apply(b.Address); err != nil {
			log.Error().
				Err(err).
				Stringer("ip", b.Address).
				Str("service", b.Service).
				Str("operation", "apply").
				Msg("integrity error: ban without rule")
		}
	}
	log.Info().Int("bans", len(bs)).Msg("reconciled bans")

	return nil
}

func (rn *Runner) Initialize() error {
	c := rn.configuration
	if c == nil {
		return errors.New("configuration has not been set")
	}

	if c.LogLevel != "" {
		l, err := zerolog.ParseLevel(c.LogLevel)
		if err != nil {
			return fmt.Errorf("failed to parse log level: %w", err)
		}
		zerolog.SetGlobalLevel(l)
	}

	// Services
	if err := rn.initializeServices(); err != nil {
		return err
	}

	si := defaultSweepInterval
	if c.SweepInterval != "" {
		var err error
		if si, err = time.ParseDuration(c.SweepInterval); err != nil {
			return fmt.Errorf("failed to parse sweep interval: %w", err)
		}
		if si <= 0 {
			return errors.New("sweep interval must be positive")
		}
	}

	// Ledger
	l, err := newLedger(c)
	if err != nil {
		return fmt.Errorf("failed to initialize ledger: %w", err)
	}
	rn.ledger = l

	// Backend
	b, err := newBackend(rn, c.Backend)
	if err != nil {
		rn.ledger.close()
		return err
	}
	if err := b.initialize(); err != nil {
		rn.ledger.close()
		return fmt.Errorf("failed to initialize backend: %w", err)
	}
	rn.backend = b
	rn.firewall = newFirewall(b)

	rn.records = make(chan *failureRecord, channelCapacity(c.ChannelCapacity))
	rn.engine = &engine{
		ledger:   rn.ledger,
		firewall: rn.firewall,
		services: rn.services,
		clock:    rn.clock,
	}
	rn.sweeper = &sweeper{
		ledger:   rn.ledger,
		firewall: rn.firewall,
		clock:    rn.clock,
		interval: si,
	}

	if err := rn.reconcile(rn.stopped); err != nil {
		err = fmt.Errorf("failed to reconcile bans: %w", err)
		if ferr := rn.Finalize(); ferr != nil {
			err = errors.Join(err, ferr)
		}
		return err
	}

	return nil
}

func (rn *Runner) Finalize() error {
	var errs []error
	if rn.backend != nil {
		if err := rn.backend.finalize(); err != nil {
			errs = append(errs, fmt.Errorf("failed to finalize backend: %w", err))
		}
	}
	if rn.ledger != nil {
		if err := rn.ledger.close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close ledger: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (rn *Runner) spawnWorker(wg *sync.WaitGroup, errs chan<- error, name string, f func(ctx context.Context) error) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := f(rn.stopped); err != nil && !errors.Is(err, context.Canceled) {
			errs <- fmt.Errorf("%s: %w", name, err)
			rn.stop()
		}
	}()
	log.Info().Str("worker", name).Msg("spawned worker")
}

// Run blocks until a signal is received or a worker fails. It returns the
// errors of all failed workers.
func (rn *Runner) Run() error {
	var wg sync.WaitGroup
	errs := make(chan error, len(rn.services)+2)

	for n, s := range rn.services {
		s := s
		rn.spawnWorker(&wg, errs, "service "+n, func(ctx context.Context) error {
			return s.worker(ctx, rn.records)
		})
	}
	rn.spawnWorker(&wg, errs, "engine", func(ctx context.Context) error {
		return rn.engine.run(ctx, rn.records)
	})
	rn.spawnWorker(&wg, errs, "sweeper", rn.sweeper.run)

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalChan)

	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		log.Warn().Err(err).Msg("failed to notify systemd")
	}

	select {
	case <-rn.stopped.Done():
	case s := <-signalChan:
		log.Info().Str("signal", s.String()).Msg("received signal")
		rn.stop()
	}

	if _, err := daemon.SdNotify(false, "STOPPING=1"); err != nil {
		log.Warn().Err(err).Msg("failed to notify systemd")
	}

	wg.Wait()
	close(errs)

	var err error
	for e := range errs {
		err = errors.Join(err, e)
	}
	return err
}

func NewRunner(c *Configuration) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		configuration: c,
		executor:      &defaultExecutor{},
		clock:         &realTimeClock{},
		stop:          cancel,
		stopped:       ctx,
	}
}
