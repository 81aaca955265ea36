package warden

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

type fileID struct {
	dev uint64
	ino uint64
}

func statID(st *unix.Stat_t) fileID {
	return fileID{dev: uint64(st.Dev), ino: uint64(st.Ino)}
}

// fileSource follows a log file through inotify events on its directory and
// a fallback ticker. It keeps the offset and identity of the open file to
// detect truncation and rotation.
type fileSource struct {
	path     string
	grace    time.Duration
	interval time.Duration

	file         *os.File
	id           fileID
	offset       int64
	partial      []byte
	buffer       []byte
	tail         []byte
	missingSince time.Time
}

// open opens the log file. If atEnd is set, reading starts at the current
// end of the file.
func (s *fileSource) open(atEnd bool) error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}

	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		f.Close()
		return err
	}

	s.file = f
	s.id = statID(&st)
	s.offset = 0
	s.tail = s.tail[:0]
	if atEnd && st.Size > 0 {
		n := min(st.Size, fileTailLength)
		b := make([]byte, n)
		if _, err := f.ReadAt(b, st.Size-n); err != nil && !errors.Is(err, io.EOF) {
			f.Close()
			s.file = nil
			return err
		}
		s.offset = st.Size
		s.remember(b)
	}
	s.partial = s.partial[:0]
	s.missingSince = time.Time{}

	return nil
}

// remember keeps the last bytes before the offset.
func (s *fileSource) remember(b []byte) {
	s.tail = append(s.tail, b...)
	if d := len(s.tail) - fileTailLength; d > 0 {
		s.tail = append(s.tail[:0], s.tail[d:]...)
	}
}

// rewritten reports whether the bytes before the offset differ from the ones
// read, which happens when the file was truncated and has grown past the
// offset again since the last poll.
func (s *fileSource) rewritten() (bool, error) {
	if len(s.tail) == 0 {
		return false, nil
	}
	b := make([]byte, len(s.tail))
	n, err := s.file.ReadAt(b, s.offset-int64(len(s.tail)))
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("failed to read %s: %w", s.path, err)
	}
	return !bytes.Equal(b[:n], s.tail), nil
}

func (s *fileSource) close() {
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
}

func (s *fileSource) gone(err error) error {
	return fmt.Errorf("%w: %s: %w", errSourceGone, s.path, err)
}

// missing tracks how long the path has been absent and fails once the grace
// period has passed.
func (s *fileSource) missing(now time.Time, err error) error {
	if s.missingSince.IsZero() {
		s.missingSince = now
		log.Warn().Str("path", s.path).Msg("log file missing")
		return nil
	}
	if now.Sub(s.missingSince) > s.grace {
		return s.gone(err)
	}
	return nil
}

// read emits all complete lines between the offset and the end of the open
// file. A trailing partial line is kept until its terminator arrives.
func (s *fileSource) read(emit func(string) error) error {
	for {
		n, err := s.file.ReadAt(s.buffer, s.offset)
		if n > 0 {
			s.offset += int64(n)
			s.remember(s.buffer[:n])
			if err := s.split(s.buffer[:n], emit); err != nil {
				return err
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", s.path, err)
		}
	}
}

func (s *fileSource) split(b []byte, emit func(string) error) error {
	for {
		i := bytes.IndexByte(b, '\n')
		if i < 0 {
			break
		}
		l := append(s.partial, b[:i]...)
		s.partial = s.partial[:0]
		b = b[i+1:]
		if err := emit(string(bytes.TrimSuffix(l, []byte{'\r'}))); err != nil {
			return err
		}
	}

	s.partial = append(s.partial, b...)
	if len(s.partial) > maxPartialLineLength {
		log.Warn().Str("path", s.path).Int("length", len(s.partial)).Msg("dropped overlong line")
		s.partial = s.partial[:0]
	}

	return nil
}

// poll performs one synchronous step: it follows rotation and truncation
// and emits whatever has been appended since the last step.
func (s *fileSource) poll(now time.Time, emit func(string) error) error {
	if s.file == nil {
		if err := s.open(false); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return s.missing(now, err)
			}
			return s.gone(err)
		}
		log.Info().Str("path", s.path).Msg("reopened log file")
	}

	var st unix.Stat_t
	if err := unix.Stat(s.path, &st); err != nil {
		if errors.Is(err, unix.ENOENT) {
			// Moved away: whatever was appended before the move still counts
			if err := s.read(emit); err != nil {
				return err
			}
			s.close()
			return s.missing(now, err)
		}
		return s.gone(err)
	}

	if statID(&st) != s.id {
		if err := s.read(emit); err != nil {
			return err
		}
		s.close()
		if err := s.open(false); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return s.missing(now, err)
			}
			return s.gone(err)
		}
		log.Info().Str("path", s.path).Msg("followed rotated log file")
	}

	var fst unix.Stat_t
	if err := unix.Fstat(int(s.file.Fd()), &fst); err != nil {
		return fmt.Errorf("failed to stat %s: %w", s.path, err)
	}
	truncated := fst.Size < s.offset
	if !truncated {
		var err error
		if truncated, err = s.rewritten(); err != nil {
			return err
		}
	}
	if truncated {
		log.Info().Str("path", s.path).Msg("log file truncated")
		s.offset = 0
		s.partial = s.partial[:0]
		s.tail = s.tail[:0]
	}

	return s.read(emit)
}

func (s *fileSource) start(now time.Time) error {
	if err := s.open(true); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s.missing(now, err)
		}
		return s.gone(err)
	}
	return nil
}

func (s *fileSource) lines(ctx context.Context, emit func(string) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return s.gone(err)
	}

	if err := s.start(time.Now()); err != nil {
		return err
	}
	defer s.close()

	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-w.Events:
			if !ok {
				return errors.New("watcher closed")
			}
			if filepath.Clean(e.Name) != s.path {
				continue
			}
			log.Trace().Str("path", s.path).Stringer("op", e.Op).Msg("received event")
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("watcher closed")
			}
			log.Warn().Err(err).Str("path", s.path).Msg("watcher failed")
			continue
		case <-t.C:
		}

		if err := s.poll(time.Now(), emit); err != nil {
			return err
		}
	}
}

func newFileSource(path string, grace time.Duration) *fileSource {
	return &fileSource{
		path:     filepath.Clean(path),
		grace:    grace,
		interval: defaultSourceInterval,
		buffer:   make([]byte, 32*1024),
	}
}
