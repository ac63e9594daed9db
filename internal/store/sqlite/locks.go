package sqlite

import (
	"context"
	"fmt"
	"sync"
)

// LocalLockProvider implements store.LockProvider with an in-process keyed
// mutex. Valid only for standalone mode, where every coalescing worker runs
// in the same process.
type LocalLockProvider struct {
	mu   sync.Mutex
	held map[int64]struct{}
}

func NewLocalLockProvider() *LocalLockProvider {
	return &LocalLockProvider{held: make(map[int64]struct{})}
}

func (p *LocalLockProvider) TryLock(_ context.Context, key int64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, taken := p.held[key]; taken {
		return false, nil
	}
	p.held[key] = struct{}{}
	return true, nil
}

func (p *LocalLockProvider) Unlock(_ context.Context, key int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, taken := p.held[key]; !taken {
		return fmt.Errorf("lock %d not held", key)
	}
	delete(p.held, key)
	return nil
}
