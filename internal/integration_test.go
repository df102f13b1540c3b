// Package internal contains integration tests that verify the client, plan
// executor, approval manager and conversation store work together over a
// real websocket connection.
package internal

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/atelierhq/atelier/internal/approval"
	"github.com/atelierhq/atelier/internal/client"
	"github.com/atelierhq/atelier/internal/errors"
	"github.com/atelierhq/atelier/internal/event"
	"github.com/atelierhq/atelier/internal/metrics"
	"github.com/atelierhq/atelier/internal/plan"
	"github.com/atelierhq/atelier/internal/protocol"
	"github.com/atelierhq/atelier/internal/session"
	"github.com/atelierhq/atelier/internal/testutil"
	"github.com/atelierhq/atelier/internal/transport"
)

func connect(t *testing.T, srv *testutil.WSServer, rec *metrics.Collector) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testutil.WaitTimeout)
	defer cancel()
	opts := client.Options{
		Transport: transport.Options{URL: srv.URL(), SpaceID: "space-1"},
	}
	if rec != nil {
		opts.Recorder = rec
	}
	c, err := client.Connect(ctx, opts)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	srv.WaitConnected(t)
	return c
}

func newConversationStore(t *testing.T) *session.ConversationStore {
	t.Helper()
	dir := t.TempDir()
	store, err := session.NewFileStore(filepath.Join(dir, "state"))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	return session.NewConversationStore(store, filepath.Join(dir, "locks"), "space-1")
}

type eventLog struct {
	mu     sync.Mutex
	events []event.Event
}

func (l *eventLog) handle(e event.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) planStatuses() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.events {
		if s, ok := e.(event.PlanStatusChangedEvent); ok {
			out = append(out, s.To)
		}
	}
	return out
}

// studio answers like the asset service: sync returns the known assets and
// every job completes with a variant named after its asset.
func studio(assets ...protocol.Asset) testutil.Responder {
	return func(in testutil.Inbound) []protocol.Frame {
		switch in.Type {
		case protocol.KindSyncRequest:
			return []protocol.Frame{protocol.SyncState{Assets: assets}}
		case protocol.KindGenerateRequest:
			name := in.String("name")
			return []protocol.Frame{
				protocol.JobStarted{Type: protocol.KindGenerateStarted, RequestID: in.RequestID, JobID: "job-" + name, AssetID: "asset-" + name, AssetName: name, Success: true},
				protocol.VariantUpdated{JobID: "job-" + name, AssetID: "asset-" + name, VariantID: "var-" + name, Status: protocol.VariantCompleted},
			}
		case protocol.KindRefineRequest:
			id := in.String("assetId")
			return []protocol.Frame{
				protocol.JobStarted{Type: protocol.KindRefineStarted, RequestID: in.RequestID, JobID: "job-r-" + id, AssetID: id, Success: true},
				protocol.VariantUpdated{JobID: "job-r-" + id, AssetID: id, VariantID: "var-r-" + id, Status: protocol.VariantCompleted},
			}
		}
		return nil
	}
}

// TestPlanExecutionIntegration runs a create-then-refine plan through the
// real client and persists progress in the conversation store.
func TestPlanExecutionIntegration(t *testing.T) {
	srv := testutil.NewWSServer(t)
	srv.SetResponder(studio(protocol.Asset{ID: "asset-old", Name: "Hero"}))
	collector := metrics.New()
	c := connect(t, srv, collector)
	conv := newConversationStore(t)

	log := &eventLog{}
	c.Bus().SubscribeAll(log.handle)

	p, err := plan.New("Hero with cape", []plan.Step{
		{Action: plan.ActionCreate, Description: "Draw the cape", Params: map[string]any{"name": "cape", "prompt": "red cape"}},
		{Action: plan.ActionRefine, Description: "Give the hero the cape", Params: map[string]any{"assetName": "hero", "prompt": "wearing the cape"}},
	})
	if err != nil {
		t.Fatalf("plan.New failed: %v", err)
	}
	if err := conv.SetPlan(context.Background(), p); err != nil {
		t.Fatalf("SetPlan failed: %v", err)
	}

	exec := plan.NewExecutor(p, c, plan.Options{Store: conv, Bus: c.Bus(), Recorder: collector})
	ctx, cancel := context.WithTimeout(context.Background(), testutil.WaitTimeout)
	defer cancel()

	out, err := exec.AdvanceAll(ctx)
	if err != nil {
		t.Fatalf("AdvanceAll failed: %v", err)
	}
	if out.Status != plan.StatusCompleted || out.Executed != 2 {
		t.Errorf("outcome = %+v", out)
	}

	// Frames reach the server in order: the create job, then the snapshot
	// needed to resolve "hero", then the refine of the resolved asset.
	var kinds []protocol.Kind
	var refined string
	for i := 0; i < 3; i++ {
		in := srv.Next(t)
		kinds = append(kinds, in.Type)
		if in.Type == protocol.KindRefineRequest {
			refined = in.String("assetId")
		}
	}
	want := []protocol.Kind{protocol.KindGenerateRequest, protocol.KindSyncRequest, protocol.KindRefineRequest}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("frames = %v, want %v", kinds, want)
		}
	}
	if refined != "asset-old" {
		t.Errorf("refined asset = %q, want asset-old", refined)
	}

	saved, err := conv.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if saved.Plan.Status != plan.StatusCompleted || len(saved.Plan.Results) != 2 {
		t.Errorf("saved plan = %+v", saved.Plan)
	}
	if len(saved.Artifacts.Variants) != 2 {
		t.Errorf("saved artifacts = %+v", saved.Artifacts)
	}

	statuses := log.planStatuses()
	if len(statuses) == 0 || statuses[0] != string(plan.StatusExecuting) || statuses[len(statuses)-1] != string(plan.StatusCompleted) {
		t.Errorf("plan status events = %v", statuses)
	}

	families, err := collector.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	for _, name := range []string{"atelier_requests_sent_total", "atelier_plan_steps_total"} {
		if !names[name] {
			t.Errorf("metric %s not recorded; have %v", name, names)
		}
	}
}

// TestConnectionLossFailsRunningStep verifies that dropping the connection
// while a job is running rejects the step and fails the plan.
func TestConnectionLossFailsRunningStep(t *testing.T) {
	srv := testutil.NewWSServer(t)
	srv.SetResponder(func(in testutil.Inbound) []protocol.Frame {
		if in.Type != protocol.KindGenerateRequest {
			return nil
		}
		return []protocol.Frame{protocol.JobStarted{Type: protocol.KindGenerateStarted, RequestID: in.RequestID, JobID: "job-1", AssetID: "asset-1", Success: true}}
	})
	c := connect(t, srv, nil)
	conv := newConversationStore(t)

	p, err := plan.New("Lonely step", []plan.Step{
		{Action: plan.ActionCreate, Description: "Draw", Params: map[string]any{"name": "tree", "prompt": "oak"}},
	})
	if err != nil {
		t.Fatalf("plan.New failed: %v", err)
	}
	exec := plan.NewExecutor(p, c, plan.Options{Store: conv})

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), testutil.WaitTimeout)
		defer cancel()
		_, err := exec.AdvanceOne(ctx)
		done <- err
	}()

	if in := srv.Next(t); in.Type != protocol.KindGenerateRequest {
		t.Fatalf("first frame = %s", in.Type)
	}
	srv.Drop()

	select {
	case err := <-done:
		if !errors.Is(err, errors.ErrStepFailed) || !errors.Is(err, errors.ErrTransport) {
			t.Errorf("AdvanceOne err = %v, want step failure caused by transport loss", err)
		}
	case <-time.After(testutil.WaitTimeout):
		t.Fatal("step did not settle after connection loss")
	}

	if got := exec.Plan().Status; got != plan.StatusFailed {
		t.Errorf("plan status = %s, want failed", got)
	}
	select {
	case <-c.Done():
	case <-time.After(testutil.WaitTimeout):
		t.Fatal("read loop did not stop")
	}
}

// TestApprovalBroadcastIntegration verifies that approval:updated frames
// caused by another operator reach the manager and the stored conversation.
func TestApprovalBroadcastIntegration(t *testing.T) {
	srv := testutil.NewWSServer(t)
	c := connect(t, srv, nil)
	conv := newConversationStore(t)

	m := approval.NewManager(c, approval.Options{Store: conv})
	m.Restore([]protocol.Approval{
		{ID: "ap-1", Tool: "render", Status: protocol.ApprovalPending},
		{ID: "ap-2", Tool: "delete", Status: protocol.ApprovalPending},
	})
	m.Watch(c.Bus())
	defer m.Stop()

	srv.Send(t, protocol.ApprovalUpdated{Approval: protocol.Approval{ID: "ap-1", Status: protocol.ApprovalApproved}})
	srv.Send(t, protocol.ApprovalUpdated{Approval: protocol.Approval{ID: "ap-2", Status: protocol.ApprovalRejected}})

	deadline := time.Now().Add(testutil.WaitTimeout)
	for {
		saved, err := conv.Load(context.Background())
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if len(saved.Approvals) == 1 && saved.Approvals[0].Status == protocol.ApprovalApproved {
			if saved.Approvals[0].ID != "ap-1" || saved.Approvals[0].Tool != "render" {
				t.Errorf("approval = %+v", saved.Approvals[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("approvals never converged: %+v", saved.Approvals)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, ok := m.Get("ap-2"); ok {
		t.Error("rejected approval should leave the open table")
	}
}
