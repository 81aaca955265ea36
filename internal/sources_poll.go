package warden

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/nxadm/tail"
	"github.com/rs/zerolog/log"
)

// pollSource follows a log by polling, for filesystems without inotify
// support.
type pollSource struct {
	path string
}

func (s *pollSource) lines(ctx context.Context, emit func(string) error) error {
	t, err := tail.TailFile(s.path, tail.Config{
		Location:  &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
		ReOpen:    true,
		MustExist: true,
		Poll:      true,
		Follow:    true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", errSourceGone, s.path, err)
	}
	defer t.Cleanup()
	defer func() {
		if err := t.Stop(); err != nil {
			log.Debug().Err(err).Str("path", s.path).Msg("stopped tail")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-t.Lines:
			if !ok {
				if err := t.Err(); err != nil {
					return fmt.Errorf("%w: %s: %w", errSourceGone, s.path, err)
				}
				return fmt.Errorf("%w: %s", errSourceGone, s.path)
			}
			if l.Err != nil {
				log.Warn().Err(l.Err).Str("path", s.path).Msg("failed to read line")
				continue
			}
			if err := emit(strings.TrimSuffix(l.Text, "\r")); err != nil {
				return err
			}
		}
	}
}

func newPollSource(path string) *pollSource {
	return &pollSource{path: path}
}
