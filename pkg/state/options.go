package state

import "go.uber.org/zap"

func WithObserver(o Observer) func(*Store) {
	return func(s *Store) {
		s.observers = append(s.observers, o)
	}
}

func WithLogger(logger *zap.Logger) func(*Store) {
	return func(s *Store) {
		s.logger = logger
	}
}
