package lock

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/unkn0wn-root/wbcache/log"
)

// ErrIllegalUnlock is returned when a handle releases a lock it does not hold.
var ErrIllegalUnlock = errors.New("lock: unlock of a lock not held")

const (
	DefaultExpiration  = 60 * time.Second
	DefaultBackoffUnit = time.Millisecond
)

type Options struct {
	// Expiration bounds how long a lock key survives without refresh.
	Expiration time.Duration
	// BackoffUnit scales the polling schedule of the blocking variants.
	BackoffUnit time.Duration
	// Owner identifies the holder. Empty means a random UUID per handle.
	Owner  string
	Logger log.Logger
}

type Option func(*Options)

func WithExpiration(d time.Duration) Option  { return func(o *Options) { o.Expiration = d } }
func WithBackoffUnit(d time.Duration) Option { return func(o *Options) { o.BackoffUnit = d } }
func WithOwner(id string) Option             { return func(o *Options) { o.Owner = id } }
func WithLogger(l log.Logger) Option         { return func(o *Options) { o.Logger = l } }

func buildOptions(opts []Option) Options {
	var o Options
	for _, fn := range opts {
		fn(&o)
	}
	if o.Expiration <= 0 {
		o.Expiration = DefaultExpiration
	}
	if o.BackoffUnit <= 0 {
		o.BackoffUnit = DefaultBackoffUnit
	}
	if o.Owner == "" {
		o.Owner = uuid.NewString()
	}
	o.Logger = log.OrNop(o.Logger)
	return o
}
