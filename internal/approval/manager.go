package approval

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/atelierhq/atelier/internal/errors"
	"github.com/atelierhq/atelier/internal/event"
	"github.com/atelierhq/atelier/internal/logging"
	"github.com/atelierhq/atelier/internal/protocol"
)

// Remote issues approval requests. *client.Client satisfies it.
type Remote interface {
	Approve(ctx context.Context, approvalID string) (protocol.Approval, error)
	Reject(ctx context.Context, approvalID, reason string) (protocol.Approval, error)
	ListApprovals(ctx context.Context) ([]protocol.Approval, error)
}

// Store persists the set of open approvals.
type Store interface {
	SaveApprovals(ctx context.Context, open []protocol.Approval) error
}

// Options configures a Manager. Every field is optional.
type Options struct {
	Store  Store
	Logger *logging.Logger
	Policy *Policy
}

// Manager mirrors the server's approval table.
type Manager struct {
	mu     sync.Mutex
	remote Remote
	open   map[string]protocol.Approval
	store  Store
	policy *Policy
	logger *logging.Logger
	subID  string
	bus    *event.Bus
}

// NewManager creates a Manager with an empty table.
func NewManager(remote Remote, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Manager{
		remote: remote,
		open:   make(map[string]protocol.Approval),
		store:  opts.Store,
		policy: opts.Policy,
		logger: logger,
	}
}

// Restore seeds the table with previously persisted approvals. Terminal
// entries are skipped.
func (m *Manager) Restore(approvals []protocol.Approval) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range approvals {
		if !Status(a.Status).Terminal() {
			m.open[a.ID] = a
		}
	}
}

// Approve asks the server to approve id and returns its reply unchanged.
// No local state check is made first.
func (m *Manager) Approve(ctx context.Context, id string) (protocol.Approval, error) {
	if id == "" {
		return protocol.Approval{}, fmt.Errorf("%w: approval id is required", errors.ErrInvalidInput)
	}
	a, err := m.remote.Approve(ctx, id)
	if err != nil {
		return protocol.Approval{}, err
	}
	m.Apply(a)
	return a, nil
}

// Reject asks the server to reject id with an optional reason.
func (m *Manager) Reject(ctx context.Context, id, reason string) (protocol.Approval, error) {
	if id == "" {
		return protocol.Approval{}, fmt.Errorf("%w: approval id is required", errors.ErrInvalidInput)
	}
	a, err := m.remote.Reject(ctx, id, reason)
	if err != nil {
		return protocol.Approval{}, err
	}
	m.Apply(a)
	return a, nil
}

// List fetches the server's approval list and merges it into the table.
func (m *Manager) List(ctx context.Context) ([]protocol.Approval, error) {
	list, err := m.remote.ListApprovals(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range list {
		m.Apply(a)
	}
	return list, nil
}

// Apply merges an approval:updated payload into the table. Moves the
// transition table does not allow are logged and the remote status is
// adopted anyway. It reports whether the table changed.
func (m *Manager) Apply(a protocol.Approval) bool {
	return m.apply(a, true)
}

// apply merges a into the table. Partial updates for approvals the table
// does not know yet are only taken when insert is set; broadcasts lack the
// params and description a full record carries.
func (m *Manager) apply(a protocol.Approval, insert bool) bool {
	if a.ID == "" {
		return false
	}
	m.mu.Lock()
	if _, known := m.open[a.ID]; !known && !insert {
		m.mu.Unlock()
		m.logger.Debug("ignoring update for unknown approval", "approval_id", a.ID, "status", a.Status)
		return false
	}
	changed := m.applyLocked(a)
	var snapshot []protocol.Approval
	if changed {
		snapshot = m.sortedLocked()
	}
	m.mu.Unlock()

	if changed && m.store != nil {
		if err := m.store.SaveApprovals(context.Background(), snapshot); err != nil {
			m.logger.Error("failed to persist approvals", "error", err)
		}
	}
	return changed
}

func (m *Manager) applyLocked(a protocol.Approval) bool {
	to := Status(a.Status)
	cur, known := m.open[a.ID]
	if !known {
		if to.Terminal() {
			return false
		}
		m.open[a.ID] = a
		return true
	}

	from := Status(cur.Status)
	if from != to && !from.CanTransition(to) {
		m.logger.Warn("unexpected approval transition, adopting remote status",
			"approval_id", a.ID, "from", string(from), "to", string(to))
	}
	if to.Terminal() {
		delete(m.open, a.ID)
		return true
	}
	merged := mergeApproval(cur, a)
	if merged.Status == cur.Status && merged.Error == cur.Error && merged.Result == cur.Result {
		m.open[a.ID] = merged
		return false
	}
	m.open[a.ID] = merged
	return true
}

// mergeApproval fills fields missing from a partial update.
func mergeApproval(cur, next protocol.Approval) protocol.Approval {
	if next.Tool == "" {
		next.Tool = cur.Tool
	}
	if next.Params == nil {
		next.Params = cur.Params
	}
	if next.Description == "" {
		next.Description = cur.Description
	}
	if next.RequestedBy == "" {
		next.RequestedBy = cur.RequestedBy
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = cur.CreatedAt
	}
	return next
}

// Get returns the tracked approval with id.
func (m *Manager) Get(id string) (protocol.Approval, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.open[id]
	return a, ok
}

// Open returns every non-terminal approval, oldest first.
func (m *Manager) Open() []protocol.Approval {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedLocked()
}

// Pending returns approvals still waiting for a decision, oldest first.
func (m *Manager) Pending() []protocol.Approval {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []protocol.Approval
	for _, a := range m.sortedLocked() {
		if Status(a.Status) == StatusPending {
			out = append(out, a)
		}
	}
	return out
}

func (m *Manager) sortedLocked() []protocol.Approval {
	out := make([]protocol.Approval, 0, len(m.open))
	for _, a := range m.open {
		out = append(out, a)
	}
	slices.SortFunc(out, func(x, y protocol.Approval) int {
		if c := x.CreatedAt.Compare(y.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(x.ID, y.ID)
	})
	return out
}

// AutoApprove approves every pending approval whose tool matches the
// policy. It returns the server's replies and any per-approval errors.
func (m *Manager) AutoApprove(ctx context.Context) ([]protocol.Approval, error) {
	var (
		approved []protocol.Approval
		errs     []error
	)
	for _, a := range m.Pending() {
		pattern, ok := m.policy.Matches(a.Tool)
		if !ok {
			continue
		}
		m.logger.Info("auto-approving", "approval_id", a.ID, "tool", a.Tool, "pattern", pattern)
		reply, err := m.Approve(ctx, a.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("auto-approve %s: %w", a.ID, err))
			continue
		}
		approved = append(approved, reply)
	}
	return approved, errors.Join(errs...)
}

// Watch applies approval:updated broadcasts published on bus. Events only
// carry the fields that changed, so they are merged over the tracked entry;
// approvals not tracked yet are left for List to fetch in full.
func (m *Manager) Watch(bus *event.Bus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bus != nil {
		return
	}
	m.bus = bus
	m.subID = bus.Subscribe(event.TypeApprovalUpdated, func(ev event.Event) {
		u, ok := ev.(event.ApprovalUpdatedEvent)
		if !ok {
			return
		}
		m.apply(protocol.Approval{ID: u.ApprovalID, Tool: u.Tool, Status: u.Status, Error: u.Error}, false)
	})
}

// Stop detaches the manager from the bus passed to Watch.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bus != nil {
		m.bus.Unsubscribe(m.subID)
		m.bus, m.subID = nil, ""
	}
}
