package cmd

import (
	"context"
	"time"

	"github.com/anicoll/hass-automation/internal/pkg/publisher"
	"github.com/anicoll/hass-automation/pkg/hass"
)

// Transport is what run expects from a namespace transport: the facade
// contract plus a blocking connection loop.
type Transport interface {
	hass.Transport
	Run(ctx context.Context) error
	Ready() <-chan struct{}
}

// History persists state changes and prunes old ones.
type History interface {
	publisher.Publisher
	Cleanup(ctx context.Context, retention time.Duration) (int64, error)
}
