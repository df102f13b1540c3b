package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/atelierhq/atelier/internal/errors"
	"github.com/atelierhq/atelier/internal/event"
	"github.com/atelierhq/atelier/internal/protocol"
)

// fakeRemote plays the server: it owns the authoritative approval table.
type fakeRemote struct {
	mu        sync.Mutex
	approvals map[string]protocol.Approval
	calls     []string
}

func newFakeRemote(approvals ...protocol.Approval) *fakeRemote {
	r := &fakeRemote{approvals: make(map[string]protocol.Approval)}
	for _, a := range approvals {
		r.approvals[a.ID] = a
	}
	return r
}

func (r *fakeRemote) decide(id, status string) (protocol.Approval, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, id+":"+status)
	a, ok := r.approvals[id]
	if !ok {
		return protocol.Approval{}, errors.NewRemoteError("approval:approve", "not_found", "approval not found")
	}
	if a.Status != protocol.ApprovalPending {
		return protocol.Approval{}, errors.NewRemoteError("approval:approve", "invalid_state", "approval is "+a.Status)
	}
	a.Status = status
	r.approvals[id] = a
	return a, nil
}

func (r *fakeRemote) Approve(ctx context.Context, id string) (protocol.Approval, error) {
	return r.decide(id, protocol.ApprovalApproved)
}

func (r *fakeRemote) Reject(ctx context.Context, id, reason string) (protocol.Approval, error) {
	return r.decide(id, protocol.ApprovalRejected)
}

func (r *fakeRemote) ListApprovals(ctx context.Context) ([]protocol.Approval, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Approval
	for _, a := range r.approvals {
		if a.Status == protocol.ApprovalPending {
			out = append(out, a)
		}
	}
	return out, nil
}

type memoryStore struct {
	mu    sync.Mutex
	saves [][]protocol.Approval
}

func (s *memoryStore) SaveApprovals(ctx context.Context, open []protocol.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, open)
	return nil
}

func pendingApproval(id, tool string, created time.Time) protocol.Approval {
	return protocol.Approval{ID: id, Tool: tool, Status: protocol.ApprovalPending, CreatedAt: created}
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusApproved, true},
		{StatusPending, StatusRejected, true},
		{StatusPending, StatusExecuted, true},
		{StatusPending, StatusFailed, true},
		{StatusApproved, StatusExecuted, true},
		{StatusApproved, StatusRejected, false},
		{StatusRejected, StatusApproved, false},
		{StatusExecuted, StatusPending, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestListAndApprove(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	remote := newFakeRemote(
		pendingApproval("ap-2", "delete_asset", base.Add(time.Minute)),
		pendingApproval("ap-1", "rename_asset", base),
	)
	store := &memoryStore{}
	m := NewManager(remote, Options{Store: store})

	list, err := m.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("List() returned %d approvals", len(list))
	}
	pending := m.Pending()
	if len(pending) != 2 || pending[0].ID != "ap-1" {
		t.Fatalf("Pending() = %+v, want ap-1 first", pending)
	}

	a, err := m.Approve(context.Background(), "ap-1")
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if a.Status != protocol.ApprovalApproved {
		t.Errorf("reply status = %s", a.Status)
	}
	if got, _ := m.Get("ap-1"); got.Status != protocol.ApprovalApproved || got.Tool != "rename_asset" {
		t.Errorf("tracked ap-1 = %+v", got)
	}
	if len(m.Pending()) != 1 {
		t.Errorf("Pending() = %+v, want only ap-2", m.Pending())
	}
	if len(store.saves) == 0 {
		t.Error("changes should be persisted")
	}
}

func TestRejectRemovesApproval(t *testing.T) {
	remote := newFakeRemote(pendingApproval("ap-1", "delete_asset", time.Time{}))
	m := NewManager(remote, Options{})
	m.List(context.Background())

	a, err := m.Reject(context.Background(), "ap-1", "too risky")
	if err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if a.Status != protocol.ApprovalRejected {
		t.Errorf("reply status = %s", a.Status)
	}
	if _, ok := m.Get("ap-1"); ok {
		t.Error("rejected approval should leave the table")
	}
}

func TestReapprovingExecutedApprovalForwardsRemoteReply(t *testing.T) {
	executed := protocol.Approval{ID: "ap-1", Tool: "delete_asset", Status: protocol.ApprovalExecuted}
	remote := newFakeRemote(executed)
	other := pendingApproval("ap-2", "rename_asset", time.Time{})
	m := NewManager(remote, Options{})
	m.Restore([]protocol.Approval{executed, other})

	before := m.Open()
	_, err := m.Approve(context.Background(), "ap-1")

	var remoteErr *errors.RemoteError
	if !errors.As(err, &remoteErr) || remoteErr.Code != "invalid_state" {
		t.Fatalf("Approve() error = %v, want the remote's invalid_state error", err)
	}
	if len(remote.calls) != 1 {
		t.Errorf("remote calls = %v, the request must be forwarded", remote.calls)
	}
	after := m.Open()
	if len(after) != len(before) || after[0].ID != "ap-2" {
		t.Errorf("local state changed: before %+v, after %+v", before, after)
	}
}

func TestApplyAdoptsUnexpectedRemoteStatus(t *testing.T) {
	m := NewManager(newFakeRemote(), Options{})
	m.Restore([]protocol.Approval{{ID: "ap-1", Tool: "t", Status: protocol.ApprovalApproved}})

	// approved -> pending is not a legal move, but the server wins.
	if !m.Apply(protocol.Approval{ID: "ap-1", Status: protocol.ApprovalPending}) {
		t.Fatal("Apply() should report a change")
	}
	got, ok := m.Get("ap-1")
	if !ok || got.Status != protocol.ApprovalPending || got.Tool != "t" {
		t.Errorf("ap-1 = %+v", got)
	}
}

func TestApplyIgnoresUnknownTerminal(t *testing.T) {
	m := NewManager(newFakeRemote(), Options{})
	if m.Apply(protocol.Approval{ID: "ap-9", Status: protocol.ApprovalExecuted}) {
		t.Error("terminal update for an untracked approval should be ignored")
	}
	if len(m.Open()) != 0 {
		t.Errorf("Open() = %+v", m.Open())
	}
}

func TestApplyServerAutoExecution(t *testing.T) {
	m := NewManager(newFakeRemote(), Options{})
	m.Apply(pendingApproval("ap-1", "describe", time.Time{}))
	m.Apply(protocol.Approval{ID: "ap-1", Status: protocol.ApprovalExecuted, Result: "ok"})
	if _, ok := m.Get("ap-1"); ok {
		t.Error("executed approval should leave the table")
	}
}

func TestWatchFollowsBroadcasts(t *testing.T) {
	bus := event.NewBus(nil)
	m := NewManager(newFakeRemote(), Options{})
	m.Apply(pendingApproval("ap-1", "rename_asset", time.Time{}))
	m.Watch(bus)

	bus.Publish(event.NewApprovalUpdatedEvent("ap-1", "", protocol.ApprovalApproved, ""))
	if got, _ := m.Get("ap-1"); got.Status != protocol.ApprovalApproved || got.Tool != "rename_asset" {
		t.Errorf("ap-1 = %+v", got)
	}

	m.Stop()
	bus.Publish(event.NewApprovalUpdatedEvent("ap-1", "", protocol.ApprovalFailed, "boom"))
	if _, ok := m.Get("ap-1"); !ok {
		t.Error("updates after Stop should be ignored")
	}
	if bus.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d", bus.SubscriptionCount())
	}
}

func TestWatchIgnoresUnknownApprovals(t *testing.T) {
	bus := event.NewBus(nil)
	remote := newFakeRemote(pendingApproval("ap-9", "export_asset", time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)))
	m := NewManager(remote, Options{})
	m.Watch(bus)
	defer m.Stop()

	bus.Publish(event.NewApprovalUpdatedEvent("ap-9", "", protocol.ApprovalPending, ""))
	if _, ok := m.Get("ap-9"); ok {
		t.Fatal("a partial broadcast should not add an unknown approval")
	}
	if len(m.Open()) != 0 {
		t.Errorf("Open() = %+v, want empty", m.Open())
	}

	if _, err := m.List(context.Background()); err != nil {
		t.Fatalf("List() error = %v", err)
	}
	got, ok := m.Get("ap-9")
	if !ok || got.Tool != "export_asset" || got.CreatedAt.IsZero() {
		t.Errorf("ap-9 after List = %+v", got)
	}
}

func TestAutoApprove(t *testing.T) {
	remote := newFakeRemote(
		pendingApproval("ap-1", "describe_asset", time.Time{}),
		pendingApproval("ap-2", "delete_asset", time.Time{}),
		pendingApproval("ap-3", "describe_variant", time.Time{}),
	)
	policy, err := NewPolicy([]string{"describe_*"})
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(remote, Options{Policy: policy})
	m.List(context.Background())

	approved, err := m.AutoApprove(context.Background())
	if err != nil {
		t.Fatalf("AutoApprove() error = %v", err)
	}
	if len(approved) != 2 {
		t.Errorf("approved %d, want 2", len(approved))
	}
	pending := m.Pending()
	if len(pending) != 1 || pending[0].ID != "ap-2" {
		t.Errorf("Pending() = %+v, want ap-2 only", pending)
	}
}

func TestApproveRequiresID(t *testing.T) {
	m := NewManager(newFakeRemote(), Options{})
	if _, err := m.Approve(context.Background(), ""); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("error = %v, want ErrInvalidInput", err)
	}
}
