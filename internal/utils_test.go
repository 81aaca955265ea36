package warden

import (
	"path/filepath"
	"testing"
)

func TestChannelCapacity(t *testing.T) {
	if c := channelCapacity(42); c != 42 {
		t.Errorf("expected overridden capacity 42, got %d", c)
	}
	if c := channelCapacity(0); c < minChannelCapacity || c > maxChannelCapacity {
		t.Errorf("expected capacity within [%d, %d], got %d", minChannelCapacity, maxChannelCapacity, c)
	}

	cc := func(c, e int) {
		t.Helper()
		if a := clampChannelCapacity(c); a != e {
			t.Errorf("expected %d to be clamped to %d, got %d", c, e, a)
		}
	}

	cc(-1, minChannelCapacity)
	cc(0, minChannelCapacity)
	cc(1000, 1000)
	cc(1<<30, maxChannelCapacity)
}

func TestIsInstanceAlreadyRunning(t *testing.T) {
	ir := func(o string, n string, e bool) {
		t.Helper()
		ex := &testExecutor{
			respond: func(c string) (string, int, error) {
				return o, 0, nil
			},
		}
		r, err := isInstanceAlreadyRunning(ex, n)
		testNoError(t, err)
		if r != e {
			t.Errorf("expected %t for %q", e, o)
		}
		if ex.executed("ps axco command") != 1 {
			t.Error("expected ps to be executed")
		}
	}

	ir("COMMAND\nbash\nwarden\n", "warden", false)
	ir("COMMAND\nwarden\nbash\nwarden\n", "warden", true)
	ir("COMMAND\nwarden\nbash\nwarden\n", "/usr/local/bin/warden", true)
	ir("COMMAND\nwardend\nwarden\n", "warden", false)

	_, err := isInstanceAlreadyRunning(newTestFaultyExecutor("", -1, errFault, "ps", "axco", "command"), "warden")
	testError(t, err)
}

func TestIsRedHatBased(t *testing.T) {
	defer func(p string) { redHatReleasePath = p }(redHatReleasePath)

	redHatReleasePath = filepath.Join(t.TempDir(), "redhat-release")
	if isRedHatBased() {
		t.Error("expected not to be Red Hat based")
	}
	appendFile(t, redHatReleasePath, "Fedora release 40 (Forty)\n")
	if !isRedHatBased() {
		t.Error("expected to be Red Hat based")
	}
}

func TestRealTimeClock(t *testing.T) {
	c := &realTimeClock{}
	if c.now().IsZero() {
		t.Error("expected current time")
	}
}
