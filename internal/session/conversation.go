package session

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/atelierhq/atelier/internal/errors"
	"github.com/atelierhq/atelier/internal/plan"
	"github.com/atelierhq/atelier/internal/protocol"
)

// ConversationsPrefix is the key prefix of every conversation document.
const ConversationsPrefix = "conversations/"

// Conversation is the persisted state of one space.
type Conversation struct {
	SpaceID   string              `json:"spaceId"`
	Messages  []protocol.ChatTurn `json:"messages,omitempty"`
	Plan      *plan.Plan          `json:"plan,omitempty"`
	Approvals []protocol.Approval `json:"approvals,omitempty"`
	Artifacts plan.Artifacts      `json:"artifacts"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

// History returns the most recent n turns (all when n <= 0).
func (c *Conversation) History(n int) []protocol.ChatTurn {
	if n <= 0 || n >= len(c.Messages) {
		return c.Messages
	}
	return c.Messages[len(c.Messages)-n:]
}

// ConversationStore loads and saves the conversation for one space.
// Every write is a locked read-modify-write so concurrent processes never
// lose each other's updates.
type ConversationStore struct {
	store   Store
	spaceID string
	key     string
	lock    string

	// mu serializes goroutines of this process before they contend on the
	// file lock.
	mu sync.Mutex
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// NewConversationStore returns a store for spaceID. Lock files are created
// in lockDir.
func NewConversationStore(store Store, lockDir, spaceID string) *ConversationStore {
	name := unsafeKeyChars.ReplaceAllString(spaceID, "_")
	return &ConversationStore{
		store:   store,
		spaceID: spaceID,
		key:     ConversationsPrefix + name + ".json",
		lock:    filepath.Join(lockDir, name+".lock"),
	}
}

// Key returns the document key.
func (cs *ConversationStore) Key() string { return cs.key }

// SpaceID returns the space this store belongs to.
func (cs *ConversationStore) SpaceID() string { return cs.spaceID }

// WatchPath returns the file that changes when the conversation is saved,
// or "" when the backend has no such file.
func (cs *ConversationStore) WatchPath() string {
	if l, ok := cs.store.(Locator); ok {
		return l.Path(cs.key)
	}
	return ""
}

// Load returns the stored conversation, or an empty one if none exists.
func (cs *ConversationStore) Load(ctx context.Context) (*Conversation, error) {
	data, err := cs.store.Load(ctx, cs.key)
	if errors.Is(err, ErrNotFound) {
		return &Conversation{SpaceID: cs.spaceID}, nil
	}
	if err != nil {
		return nil, err
	}
	var c Conversation
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("conversation %s is corrupted: %w", cs.spaceID, err)
	}
	if c.SpaceID == "" {
		c.SpaceID = cs.spaceID
	}
	return &c, nil
}

// Update loads the conversation, applies fn and saves the result while
// holding the lock. Nothing is written if fn returns an error.
func (cs *ConversationStore) Update(ctx context.Context, fn func(*Conversation) error) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	fl := NewFileLock(cs.lock)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("failed to lock conversation: %w", err)
	}
	defer fl.Unlock()

	c, err := cs.Load(ctx)
	if err != nil {
		return err
	}
	if err := fn(c); err != nil {
		return err
	}
	return cs.save(ctx, c)
}

func (cs *ConversationStore) save(ctx context.Context, c *Conversation) error {
	c.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode conversation: %w", err)
	}
	return cs.store.Save(ctx, cs.key, data)
}

// Delete removes the conversation. Deleting a missing conversation is not
// an error.
func (cs *ConversationStore) Delete(ctx context.Context) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	fl := NewFileLock(cs.lock)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("failed to lock conversation: %w", err)
	}
	defer fl.Unlock()

	if err := cs.store.Delete(ctx, cs.key); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// AppendTurns records chat turns and any artifacts the turn produced.
func (cs *ConversationStore) AppendTurns(ctx context.Context, created plan.Artifacts, turns ...protocol.ChatTurn) error {
	return cs.Update(ctx, func(c *Conversation) error {
		c.Messages = append(c.Messages, turns...)
		c.Artifacts.Merge(created)
		return nil
	})
}

// SetPlan replaces the active plan. A nil plan clears it.
func (cs *ConversationStore) SetPlan(ctx context.Context, p *plan.Plan) error {
	return cs.Update(ctx, func(c *Conversation) error {
		if p == nil {
			c.Plan = nil
			return nil
		}
		if c.Plan != nil && !c.Plan.Status.Terminal() && c.Plan.ID != p.ID {
			return fmt.Errorf("%w: plan %s is still %s; cancel it first", errors.ErrInvalidInput, c.Plan.ID, c.Plan.Status)
		}
		c.Plan = p.Clone()
		return nil
	})
}

// SaveProgress stores the plan and merges the artifacts it created.
//
// The stored plan wins when another process has replaced it or moved it to
// a terminal status: the artifacts are still recorded, the plan is left
// untouched and ErrPlanClosed is returned.
func (cs *ConversationStore) SaveProgress(ctx context.Context, p *plan.Plan, created plan.Artifacts) error {
	var closed error
	err := cs.Update(ctx, func(c *Conversation) error {
		c.Artifacts.Merge(created)
		if closed = checkPlanWrite(c.Plan, p); closed != nil {
			return nil
		}
		c.Plan = p.Clone()
		return nil
	})
	if err != nil {
		return err
	}
	return closed
}

// checkPlanWrite reports whether next may overwrite stored.
func checkPlanWrite(stored, next *plan.Plan) error {
	switch {
	case stored == nil:
		return nil
	case stored.ID != next.ID:
		return fmt.Errorf("%w: plan %s was replaced by plan %s", errors.ErrPlanClosed, next.ID, stored.ID)
	case stored.Status.Terminal() && stored.Status != next.Status:
		return fmt.Errorf("%w: plan %s is already %s", errors.ErrPlanClosed, stored.ID, stored.Status)
	}
	return nil
}

// SaveApprovals replaces the open approvals.
func (cs *ConversationStore) SaveApprovals(ctx context.Context, open []protocol.Approval) error {
	return cs.Update(ctx, func(c *Conversation) error {
		c.Approvals = open
		return nil
	})
}
