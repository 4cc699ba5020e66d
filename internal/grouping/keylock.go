package grouping

import (
	"context"

	"github.com/cespare/xxhash/v2"
)

// DefaultStripes is the stripe count used by NewEngine
const DefaultStripes = 256

// KeyLock serializes work per key using a fixed set of stripes. Two keys
// may share a stripe; one key always maps to the same stripe.
type KeyLock struct {
	stripes []chan struct{}
}

// NewKeyLock creates a lock with n stripes
func NewKeyLock(n int) *KeyLock {
	if n < 1 {
		n = 1
	}
	stripes := make([]chan struct{}, n)
	for i := range stripes {
		stripes[i] = make(chan struct{}, 1)
	}
	return &KeyLock{stripes: stripes}
}

// Lock acquires the stripe for key. It gives up when ctx is done, in which
// case the returned unlock func is nil.
func (l *KeyLock) Lock(ctx context.Context, key string) (unlock func(), err error) {
	stripe := l.stripes[xxhash.Sum64String(key)%uint64(len(l.stripes))]
	select {
	case stripe <- struct{}{}:
		return func() { <-stripe }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
