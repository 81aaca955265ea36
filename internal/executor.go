package warden

import (
	"errors"
	"os/exec"

	"github.com/rs/zerolog/log"
)

// executor runs external commands. It returns the combined output and the
// exit code, or -1 if the command could not be started.
type executor interface {
	execute(name string, args ...string) (string, int, error)
}

type defaultExecutor struct{}

func (e *defaultExecutor) execute(name string, args ...string) (string, int, error) {
	cmd := exec.Command(name, args...)
	log.Debug().Stringer("command", cmd).Msg("executing")

	b, err := cmd.CombinedOutput()
	if err != nil {
		var eerr *exec.ExitError
		if errors.As(err, &eerr) {
			return string(b), eerr.ExitCode(), eerr
		}
		return "", -1, err
	}

	return string(b), 0, nil
}
