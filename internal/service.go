package warden

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"time"

	"github.com/rs/zerolog/log"
	"go4.org/netipx"
)

const (
	sshRegexpText  = `^(?P<datetime>\w{3}\s+\d{1,2} \d{2}:\d{2}:\d{2}|\d{4}-\d{2}-\d{2}T\S+) \S+ sshd(?:-session)?\[\d+\]: (?:Failed \S+ for (?:invalid user )?\S*|Invalid user \S*) from (?P<ip>[0-9A-Fa-f:.]+)`
	httpRegexpText = `^(?P<ip>[0-9A-Fa-f:.]+) \S+ \S+ \[(?P<datetime>[^\]]+)\] "[^"]*" (?P<status>\d{3})`
)

type serviceDefaults struct {
	logPath       string
	redHatLogPath string
	regexp        string
	maxRetry      int
	banTime       string
	findTime      string
}

var serviceKinds = map[string]serviceDefaults{
	"ssh": {
		logPath:       "/var/log/auth.log",
		redHatLogPath: "/var/log/secure",
		regexp:        sshRegexpText,
		maxRetry:      3,
		banTime:       "1h",
		findTime:      "10m",
	},
	"apache2": {
		logPath:       "/var/log/apache2/access.log",
		redHatLogPath: "/var/log/httpd/access_log",
		regexp:        httpRegexpText,
		maxRetry:      10,
		banTime:       "10m",
		findTime:      "10m",
	},
	"nginx": {
		logPath:       "/var/log/nginx/access.log",
		redHatLogPath: "/var/log/nginx/access.log",
		regexp:        httpRegexpText,
		maxRetry:      10,
		banTime:       "10m",
		findTime:      "10m",
	},
	"custom": {
		findTime: "10m",
	},
}

type service struct {
	Enabled  bool     `toml:"enabled" yaml:"enabled"`
	Kind     string   `toml:"kind" yaml:"kind"`
	LogPath  string   `toml:"logPath" yaml:"logPath"`
	Regexp   string   `toml:"regexp" yaml:"regexp"`
	MaxRetry int      `toml:"maxRetry" yaml:"maxRetry"`
	BanTime  string   `toml:"banTime" yaml:"banTime"`
	FindTime string   `toml:"findTime" yaml:"findTime"`
	Poll     bool     `toml:"poll" yaml:"poll"`
	IgnoreIP []string `toml:"ignoreIP" yaml:"ignoreIP"`

	runner        *Runner
	name          string
	regexp        *regexp.Regexp
	ipIndex       int
	datetimeIndex int
	statusIndex   int
	banTime       time.Duration
	findTime      time.Duration
	ignore        *netipx.IPSet
	source        source
}

func (s *service) applyDefaults() error {
	if s.Kind == "" {
		s.Kind = s.name
	}
	d, ok := serviceKinds[s.Kind]
	if !ok {
		return fmt.Errorf("unknown kind: %s", s.Kind)
	}

	if s.LogPath == "" {
		if isRedHatBased() {
			s.LogPath = d.redHatLogPath
		} else {
			s.LogPath = d.logPath
		}
	}
	if s.Regexp == "" {
		s.Regexp = d.regexp
	}
	if s.MaxRetry == 0 {
		s.MaxRetry = d.maxRetry
	}
	if s.BanTime == "" {
		s.BanTime = d.banTime
	}
	if s.FindTime == "" {
		s.FindTime = d.findTime
	}

	return nil
}

func (s *service) initializeRegexp() error {
	if s.Regexp == "" {
		return errors.New("missing regexp")
	}

	re, err := regexp.Compile(s.Regexp)
	if err != nil {
		return err
	}

	s.ipIndex = re.SubexpIndex("ip")
	if s.ipIndex < 0 {
		return errors.New(`regexp must contain a subexpression named "ip" ("(?P<ip>")`)
	}
	s.datetimeIndex = re.SubexpIndex("datetime")
	if s.datetimeIndex < 0 {
		return errors.New(`regexp must contain a subexpression named "datetime" ("(?P<datetime>")`)
	}
	s.statusIndex = re.SubexpIndex("status")
	s.regexp = re

	return nil
}

func (s *service) initializeDurations() error {
	if s.MaxRetry < 1 {
		return errors.New("maxRetry must be at least 1")
	}

	var err error
	if s.banTime, err = time.ParseDuration(s.BanTime); err != nil {
		return fmt.Errorf("failed to parse banTime: %w", err)
	}
	if s.banTime <= 0 {
		return errors.New("banTime must be positive")
	}
	if s.findTime, err = time.ParseDuration(s.FindTime); err != nil {
		return fmt.Errorf("failed to parse findTime: %w", err)
	}
	if s.findTime <= 0 {
		return errors.New("findTime must be positive")
	}

	return nil
}

func (s *service) initialize(rn *Runner) error {
	s.runner = rn

	if err := s.applyDefaults(); err != nil {
		return err
	}
	if s.LogPath == "" {
		return errors.New("missing logPath")
	}
	if err := s.initializeRegexp(); err != nil {
		return err
	}
	if err := s.initializeDurations(); err != nil {
		return err
	}

	var err error
	if s.ignore, err = newIgnoreSet(rn.configuration.IgnoreIP, s.IgnoreIP); err != nil {
		return err
	}

	if s.Poll {
		s.source = newPollSource(s.LogPath)
	} else {
		s.source = newFileSource(s.LogPath, defaultSourceGrace)
	}

	return nil
}

func (s *service) ignores(ip netip.Addr) bool {
	return s.ignore != nil && s.ignore.Contains(ip)
}

// worker feeds escalating records of the service into records until ctx is
// done or the source fails.
func (s *service) worker(ctx context.Context, records chan<- *failureRecord) error {
	return s.source.lines(ctx, func(l string) error {
		r, err := s.match(l, s.runner.clock.now())
		if err != nil {
			if !errors.Is(err, errNoMatch) {
				log.Warn().Err(err).Str("service", s.name).Msg("dropped record")
			}
			return nil
		}
		if !r.escalates() {
			log.Debug().Stringer("record", r).Msg("not escalating")
			return nil
		}

		select {
		case records <- r:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}
