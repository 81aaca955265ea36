package main

import (
	"flag"
	"runtime/debug"

	warden "github.com/bitflipp/warden/internal"
	"github.com/rs/zerolog/log"
)

var (
	version = "unknown version"
)

func logVersionAndBuildInfo() {
	ev := log.Info().Str("version", version)

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		ev.Msg("no build info found")
		return
	}

	ev = ev.Str("goVersion", bi.GoVersion)
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if len(s.Value) > 7 {
				s.Value = s.Value[:7]
			}
			ev = ev.Str("revision", s.Value)
		case "vcs.modified":
			ev = ev.Bool("sourceFilesModified", s.Value == "true")
		}
	}

	ev.Msg("")
}

func main() {
	cfp := flag.String("c", "/etc/warden/warden.toml", "Path to TOML or YAML configuration file")
	flag.Parse()

	logVersionAndBuildInfo()

	if err := warden.CheckPreconditions(); err != nil {
		log.Fatal().Err(err).Msg("unmet precondition")
	}

	c := &warden.Configuration{}
	if err := c.ReadFile(*cfp); err != nil {
		log.Fatal().Err(err).Msg("failed to read configuration file")
	}

	rn := warden.NewRunner(c)
	if err := rn.Initialize(); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize runner")
	}

	rerr := rn.Run()
	if err := rn.Finalize(); err != nil {
		log.Error().Err(err).Msg("failed to finalize runner")
	}
	if rerr != nil {
		log.Fatal().Err(rerr).Msg("stopped")
	}
	log.Info().Msg("stopped")
}
