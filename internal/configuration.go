package warden

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Configuration struct {
	Backend         string              `toml:"backend" yaml:"backend"`
	Ledger          string              `toml:"ledger" yaml:"ledger"`
	LogLevel        string              `toml:"logLevel" yaml:"logLevel"`
	SweepInterval   string              `toml:"sweepInterval" yaml:"sweepInterval"`
	ChannelCapacity int                 `toml:"channelCapacity" yaml:"channelCapacity"`
	IgnoreIP        []string            `toml:"ignoreIP" yaml:"ignoreIP"`
	Redis           RedisConfiguration  `toml:"redis" yaml:"redis"`
	Badger          BadgerConfiguration `toml:"badger" yaml:"badger"`
	Services        map[string]*service `toml:"services" yaml:"services"`
}

// ReadFile decodes YAML for .yaml and .yml files and TOML for everything
// else.
func (c *Configuration) ReadFile(path string) error {
	cf, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open configuration file: %w", err)
	}
	defer cf.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return c.readYAML(cf)
	default:
		return c.read(cf)
	}
}

func (c *Configuration) read(r io.Reader) error {
	if _, err := toml.NewDecoder(r).Decode(c); err != nil {
		var terr toml.ParseError
		if errors.As(err, &terr) {
			return fmt.Errorf("failed to decode configuration file: %s", terr.ErrorWithUsage())
		}
		return fmt.Errorf("failed to decode configuration file: %w", err)
	}

	return nil
}

func (c *Configuration) readYAML(r io.Reader) error {
	d := yaml.NewDecoder(r)
	d.KnownFields(true)
	if err := d.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode configuration file: %w", err)
	}

	return nil
}
