package contxt

import (
	"context"
	"time"
)

// Detach keeps the values of parent but drops its cancellation, and expires
// after timeout. Used for work that has to finish after shutdown started.
func Detach(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}
