package warden

import (
	"errors"
	"testing"
	"testing/iotest"
)

func TestConfigurationReadFileInvalid(t *testing.T) {
	rc := func(n string) {
		c := &Configuration{}
		testError(t, c.ReadFile(n))
	}

	rc("")
	rc("test/invalid_configuration.toml")
	rc("test/missing.toml")
}

func TestConfigurationReadFileError(t *testing.T) {
	r := iotest.ErrReader(errors.New(""))
	c := &Configuration{}
	testError(t, c.read(r))
	testError(t, c.readYAML(iotest.ErrReader(errors.New(""))))
}

func TestConfigurationReadFile(t *testing.T) {
	rc := func(n string) {
		c := &Configuration{}
		testNoError(t, c.ReadFile(n))

		if c.Backend != "test" {
			t.Errorf(`%s: expected backend "test", got "%s"`, n, c.Backend)
		}
		if c.Ledger != "memory" {
			t.Errorf(`%s: expected ledger "memory", got "%s"`, n, c.Ledger)
		}
		if c.SweepInterval != "100ms" {
			t.Errorf(`%s: expected sweep interval "100ms", got "%s"`, n, c.SweepInterval)
		}
		if c.ChannelCapacity != 128 {
			t.Errorf("%s: expected channel capacity 128, got %d", n, c.ChannelCapacity)
		}
		if len(c.IgnoreIP) != 2 {
			t.Errorf("%s: expected 2 ignored entries, got %d", n, len(c.IgnoreIP))
		}
		if len(c.Services) != 3 {
			t.Fatalf("%s: expected 3 services, got %d", n, len(c.Services))
		}

		s := c.Services["ssh"]
		if s == nil || !s.Enabled || s.LogPath != "test/auth.log" || s.MaxRetry != 3 || s.BanTime != "10m" || s.FindTime != "10m" {
			t.Errorf("%s: unexpected ssh service: %+v", n, s)
		}
		s = c.Services["apache2"]
		if s == nil || len(s.IgnoreIP) != 1 || s.IgnoreIP[0] != "198.51.100.0/24" {
			t.Errorf("%s: unexpected apache2 service: %+v", n, s)
		}
		if s = c.Services["nginx"]; s == nil || s.Enabled {
			t.Errorf("%s: expected disabled nginx service", n)
		}
	}

	rc("test/configuration.toml")
	rc("test/configuration.yaml")
}
