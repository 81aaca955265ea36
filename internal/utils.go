package warden

import (
	"errors"
	"fmt"
	"os"
	"path"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

const (
	channelMemoryFraction = 0.05
	channelRecordSize     = 512
	minChannelCapacity    = 64
	maxChannelCapacity    = 1 << 20
)

var redHatReleasePath = "/etc/redhat-release"

type clock interface {
	now() time.Time
}

type realTimeClock struct{}

func (c *realTimeClock) now() time.Time {
	return time.Now()
}

func isRedHatBased() bool {
	_, err := os.Stat(redHatReleasePath)
	return err == nil
}

// channelCapacity sizes the record channel so that it may take up a fixed
// fraction of the free memory. A positive override wins.
func channelCapacity(override int) int {
	if override > 0 {
		return override
	}

	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return minChannelCapacity
	}
	free := float64(uint64(si.Freeram) * uint64(si.Unit))

	return clampChannelCapacity(int(free * channelMemoryFraction / channelRecordSize))
}

func clampChannelCapacity(c int) int {
	switch {
	case c < minChannelCapacity:
		return minChannelCapacity
	case c > maxChannelCapacity:
		return maxChannelCapacity
	default:
		return c
	}
}

// Testing requires the instance name n to be dynamic.
// It defaults to os.Args[0].
func isInstanceAlreadyRunning(e executor, n string) (bool, error) {
	s, _, err := e.execute("ps", "axco", "command")
	if err != nil {
		return false, err
	}

	if n == "" {
		n = os.Args[0]
	}
	n = path.Base(n)
	oc := false
	for _, p := range strings.Split(s, "\n") {
		if p == n {
			if oc {
				return true, nil
			}
			oc = true
		}
	}

	return false, nil
}

// CheckPreconditions fails unless the process runs as root on Linux and no
// other instance is running.
func CheckPreconditions() error {
	if runtime.GOOS != "linux" {
		return fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}
	if os.Geteuid() != 0 {
		return errors.New("insufficient privileges: must run as root")
	}

	r, err := isInstanceAlreadyRunning(&defaultExecutor{}, "")
	if err != nil {
		return fmt.Errorf("failed to check for running instances: %w", err)
	}
	if r {
		return errors.New("another instance is already running")
	}

	return nil
}
