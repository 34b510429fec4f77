// Package guard short-circuits hub operations while a namespace transport is
// not receiving messages. A disconnected hub is an expected transient state, so
// a blocked operation yields its no-op value and a warning instead of an error.
package guard

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var ErrUnknownNamespace = errors.New("unknown namespace")

// Receiver reports whether a transport is currently receiving from its hub.
type Receiver interface {
	IsReceiving() bool
}

// Lookup resolves the receiver backing a namespace.
type Lookup func(namespace string) (Receiver, error)

type Op[T any] func(ctx context.Context) (T, error)

// Middleware decorates an operation.
type Middleware[T any] func(next Op[T]) Op[T]

type Guard struct {
	lookup Lookup
	logger *zap.Logger
}

func New(lookup Lookup, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.L()
	}
	return &Guard{lookup: lookup, logger: logger}
}

// Receiving reports whether namespace is currently receiving.
func (g *Guard) Receiving(namespace string) (bool, error) {
	rx, err := g.lookup(namespace)
	if err != nil {
		return false, err
	}
	if rx == nil {
		return false, fmt.Errorf("%w: %s", ErrUnknownNamespace, namespace)
	}
	return rx.IsReceiving(), nil
}

// Wrap returns next guarded by the connectivity of namespace. When the
// transport is not receiving, next is never called and noop is returned.
func Wrap[T any](g *Guard, namespace, operation string, noop T) Middleware[T] {
	return func(next Op[T]) Op[T] {
		return func(ctx context.Context) (T, error) {
			receiving, err := g.Receiving(namespace)
			if err != nil {
				var zero T
				return zero, err
			}
			if !receiving {
				g.logger.Warn("attempt to call hub while disconnected",
					zap.String("namespace", namespace),
					zap.String("operation", operation),
				)
				return noop, nil
			}
			return next(ctx)
		}
	}
}

// Chain applies middlewares so that the first one listed runs first.
func Chain[T any](next Op[T], middlewares ...Middleware[T]) Op[T] {
	for i := len(middlewares) - 1; i >= 0; i-- {
		next = middlewares[i](next)
	}
	return next
}
