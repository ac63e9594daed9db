package pg

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// AdvisoryLockProvider implements store.LockProvider on top of Postgres
// session advisory locks. pg_try_advisory_lock is tied to the session that
// took it, so each held lock pins one pooled connection until Unlock.
type AdvisoryLockProvider struct {
	db *sql.DB

	mu   sync.Mutex
	held map[int64]*sql.Conn
}

func NewAdvisoryLockProvider(db *sql.DB) *AdvisoryLockProvider {
	return &AdvisoryLockProvider{db: db, held: make(map[int64]*sql.Conn)}
}

func (p *AdvisoryLockProvider) TryLock(ctx context.Context, key int64) (bool, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return false, err
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		conn.Close()
		return false, err
	}
	if !acquired {
		conn.Close()
		return false, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.held[key]; exists {
		// Same process already holds this key on another connection.
		// Release the duplicate session lock and report unavailable.
		conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, key)
		conn.Close()
		return false, nil
	}
	p.held[key] = conn
	return true, nil
}

func (p *AdvisoryLockProvider) Unlock(ctx context.Context, key int64) error {
	p.mu.Lock()
	conn, ok := p.held[key]
	delete(p.held, key)
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("advisory lock %d not held", key)
	}
	defer conn.Close()

	var released bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, key).Scan(&released); err != nil {
		return err
	}
	if !released {
		return fmt.Errorf("advisory lock %d was not held by this session", key)
	}
	return nil
}
