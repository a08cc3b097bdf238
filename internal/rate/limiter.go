package rate

import (
	"context"
	"time"
)

// Limiter gates mutating endpoints per actor. Keys are user ids once
// authenticated, client IPs otherwise.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (bool, time.Duration, error)
}
