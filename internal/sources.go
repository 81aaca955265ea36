package warden

import (
	"context"
	"errors"
	"time"
)

var errSourceGone = errors.New("log source permanently inaccessible")

const (
	defaultSourceGrace    = 10 * time.Second
	defaultSourceInterval = time.Second
	maxPartialLineLength  = 1 << 20
	fileTailLength        = 64
)

// source yields complete lines appended to a log after lines has been
// called. lines blocks until ctx is done, emit fails or the log becomes
// permanently inaccessible, in which case the error wraps errSourceGone.
type source interface {
	lines(ctx context.Context, emit func(string) error) error
}
