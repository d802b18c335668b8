package runner

import (
	"context"
	"errors"

	"github.com/will-x86/storagebridge/storage"
)

// Replicator pushes one queued op to the bridge host.
type Replicator interface {
	Replicate(ctx context.Context, op *storage.Op) error
}

type ReplicatorFunc func(ctx context.Context, op *storage.Op) error

func (f ReplicatorFunc) Replicate(ctx context.Context, op *storage.Op) error {
	return f(ctx, op)
}

type Runner interface {
	Run(ctx context.Context, r Replicator, q storage.Queue) error
}

type settledError struct {
	err error
}

func (e *settledError) Error() string { return e.err.Error() }
func (e *settledError) Unwrap() error { return e.err }

// Settled marks an outcome that needs no retry even though it is not a
// success. The op is marked handled and the hook still sees err.
func Settled(err error) error {
	return &settledError{err: err}
}

func IsSettled(err error) bool {
	var s *settledError
	return errors.As(err, &s)
}
