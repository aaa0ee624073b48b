package repository

import (
	"time"

	"github.com/hilthontt/ephemera/internal/domain"
)

const maxRoomIDAttempts = 5

type options struct {
	retention  int
	now        func() time.Time
	generateID domain.RoomIDGenerator
}

type Option func(*options)

// WithRetention caps the message buffer of every room.
func WithRetention(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.retention = n
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func WithIDGenerator(gen domain.RoomIDGenerator) Option {
	return func(o *options) {
		if gen != nil {
			o.generateID = gen
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		retention:  domain.DefaultMessageRetention,
		now:        time.Now,
		generateID: domain.GenerateRoomID,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
