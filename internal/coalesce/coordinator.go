// Package coalesce groups a conversation's burst of inbound events into one
// logical turn. A debounce window absorbs rapid-fire messages; a hard cap
// bounds worst-case latency when the conversation never goes idle.
package coalesce

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/turnstile/internal/store"
)

// pollFloor is the fastest the debounce loop re-reads the store.
const pollFloor = 150 * time.Millisecond

// Package is one coalesced turn: the events' texts joined in arrival order.
type Package struct {
	UnifiedText string  `json:"unified_text"`
	EventIDs    []int64 `json:"event_ids"`
	MaxEventID  int64   `json:"max_event_id"`
}

// Coordinator runs the lock-coordinated debounce pass.
type Coordinator struct {
	inbound store.InboundStore
	locks   store.LockProvider
	window  time.Duration
}

func NewCoordinator(inbound store.InboundStore, locks store.LockProvider, window time.Duration) *Coordinator {
	return &Coordinator{inbound: inbound, locks: locks, window: window}
}

// LockKey derives the 63-bit mutex key for a conversation.
func LockKey(conversationID string) int64 {
	sum := sha256.Sum256([]byte(conversationID))
	return int64(binary.BigEndian.Uint64(sum[:8]) &^ (1 << 63))
}

// Coalesce waits for the conversation's inbound burst to settle and returns
// the accumulated events with id > sinceID as one package. When the mutex is
// already held by another coordinator it degrades to a single read after one
// window, without exclusivity; that pass can overlap with the holder's.
func (c *Coordinator) Coalesce(ctx context.Context, conversationID string, sinceID int64) (*Package, error) {
	key := LockKey(conversationID)

	acquired, err := c.locks.TryLock(ctx, key)
	if err != nil {
		return nil, err
	}
	if !acquired {
		slog.Warn("coalesce.lock_unavailable", "conversation_id", conversationID, "key", key)
		if err := sleepCtx(ctx, c.window); err != nil {
			return nil, err
		}
		maxID, err := c.inbound.MaxEventID(ctx, conversationID, sinceID)
		if err != nil {
			return nil, err
		}
		return c.collect(ctx, conversationID, sinceID, maxID)
	}
	defer func() {
		// Unlock must run even when ctx is already cancelled.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.locks.Unlock(unlockCtx, key); err != nil {
			slog.Error("coalesce.unlock_failed", "conversation_id", conversationID, "error", err)
		}
	}()

	maxID, err := c.debounce(ctx, conversationID, sinceID)
	if err != nil {
		return nil, err
	}
	return c.collect(ctx, conversationID, sinceID, maxID)
}

// debounce polls the highest new event id until it has been stable for one
// window, or until 3x the window has elapsed in total.
func (c *Coordinator) debounce(ctx context.Context, conversationID string, sinceID int64) (int64, error) {
	hardCap := 3 * c.window
	poll := pollFloor
	if c.window < poll {
		poll = c.window
	}

	start := time.Now()
	lastSeen, err := c.inbound.MaxEventID(ctx, conversationID, sinceID)
	if err != nil {
		return 0, err
	}
	lastChange := time.Now()

	for time.Since(start) < hardCap {
		maxID, err := c.inbound.MaxEventID(ctx, conversationID, sinceID)
		if err != nil {
			return 0, err
		}
		if maxID != lastSeen {
			lastSeen = maxID
			lastChange = time.Now()
		}
		if time.Since(lastChange) >= c.window {
			break
		}
		if err := sleepCtx(ctx, poll); err != nil {
			return 0, err
		}
	}
	return lastSeen, nil
}

func (c *Coordinator) collect(ctx context.Context, conversationID string, sinceID, maxID int64) (*Package, error) {
	if maxID == 0 {
		// Nothing arrived past sinceID.
		return &Package{EventIDs: []int64{}, MaxEventID: sinceID}, nil
	}

	events, err := c.inbound.EventsBetween(ctx, conversationID, sinceID, maxID)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(events))
	texts := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
		if ev.Text != "" {
			texts = append(texts, ev.Text)
		}
	}
	return &Package{
		UnifiedText: strings.TrimSpace(strings.Join(texts, " ")),
		EventIDs:    ids,
		MaxEventID:  maxID,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
