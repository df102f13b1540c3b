package correlate

import (
	"context"
	"testing"
	"time"

	"github.com/atelierhq/atelier/internal/errors"
	"github.com/atelierhq/atelier/internal/protocol"
)

type jobCall struct {
	res JobResult
	err error
}

func startJob(c *Correlator, req protocol.Request, opts ...CallOption) <-chan jobCall {
	ch := make(chan jobCall, 1)
	go func() {
		res, err := c.StartJob(context.Background(), req, opts...)
		ch <- jobCall{res, err}
	}()
	return ch
}

func awaitJob(t *testing.T, ch <-chan jobCall) jobCall {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job settlement")
		return jobCall{}
	}
}

func TestStartedThenTerminalResolvesOriginalCaller(t *testing.T) {
	c, sender, _ := newTestCorrelator()

	var started []protocol.JobStarted
	ch := startJob(c, protocol.GenerateRequest{Name: "hero", Prompt: "knight"},
		OnStarted(func(s protocol.JobStarted) { started = append(started, s) }))
	id := sender.next(t).RequestID

	d := c.Dispatch(protocol.JobStarted{
		Type: protocol.KindGenerateStarted, RequestID: id, JobID: "job-1",
		AssetID: "asset-1", AssetName: "hero", Success: true,
	})
	if d != Rekeyed {
		t.Fatalf("started Dispatch() = %s, want rekeyed", d)
	}
	if len(started) != 1 || started[0].JobID != "job-1" {
		t.Errorf("OnStarted calls = %+v", started)
	}
	// The request registration is gone; only the job remains.
	assertPending(t, c, 0, 1)

	// A duplicate response keyed by the old request ID is dropped.
	if d := c.Dispatch(protocol.JobStarted{Type: protocol.KindGenerateStarted, RequestID: id, JobID: "job-1", Success: true}); d != Unmatched {
		t.Errorf("repeated started Dispatch() = %s, want unmatched", d)
	}

	if d := c.Dispatch(protocol.VariantUpdated{JobID: "job-1", Status: protocol.VariantProcessing, Progress: 0.5}); d != Progress {
		t.Errorf("progress Dispatch() = %s, want progress", d)
	}
	assertPending(t, c, 0, 1)

	d = c.Dispatch(protocol.VariantUpdated{JobID: "job-1", AssetID: "asset-1", VariantID: "var-1", Status: protocol.VariantCompleted})
	if d != Settled {
		t.Fatalf("terminal Dispatch() = %s, want settled", d)
	}
	r := awaitJob(t, ch)
	if r.err != nil {
		t.Fatalf("StartJob failed: %v", r.err)
	}
	want := JobResult{RequestID: id, JobID: "job-1", AssetID: "asset-1", AssetName: "hero", VariantID: "var-1", Success: true}
	if r.res != want {
		t.Errorf("result = %+v, want %+v", r.res, want)
	}
	assertPending(t, c, 0, 0)

	if d := c.Dispatch(protocol.VariantUpdated{JobID: "job-1", Status: protocol.VariantCompleted}); d != Unmatched {
		t.Errorf("second terminal Dispatch() = %s, want unmatched", d)
	}
}

func TestFailedJobResolvesWithoutError(t *testing.T) {
	c, sender, _ := newTestCorrelator()

	ch := startJob(c, protocol.RefineRequest{AssetID: "a", Prompt: "darker"})
	id := sender.next(t).RequestID
	c.Dispatch(protocol.JobStarted{Type: protocol.KindRefineStarted, RequestID: id, JobID: "j", Success: true})
	c.Dispatch(protocol.VariantUpdated{JobID: "j", Status: protocol.VariantFailed})

	r := awaitJob(t, ch)
	if r.err != nil {
		t.Fatalf("err = %v", r.err)
	}
	if r.res.Success || r.res.Error == "" {
		t.Errorf("result = %+v, want failure with message", r.res)
	}
}

func TestStartedKindMustMatch(t *testing.T) {
	c, sender, _ := newTestCorrelator()

	startJob(c, protocol.GenerateRequest{Name: "n", Prompt: "p"})
	id := sender.next(t).RequestID

	d := c.Dispatch(protocol.JobStarted{Type: protocol.KindRefineStarted, RequestID: id, JobID: "j", Success: true})
	if d != Unmatched {
		t.Errorf("refine:started for a generate request Dispatch() = %s", d)
	}
	assertPending(t, c, 1, 0)
}

func TestStartedFailure(t *testing.T) {
	c, sender, _ := newTestCorrelator()

	ch := startJob(c, protocol.GenerateRequest{Name: "n", Prompt: "p"})
	id := sender.next(t).RequestID
	c.Dispatch(protocol.JobStarted{Type: protocol.KindGenerateStarted, RequestID: id, Success: false, Error: "bad prompt"})

	r := awaitJob(t, ch)
	var re *errors.RemoteError
	if !errors.As(r.err, &re) || re.Message() != "bad prompt" {
		t.Fatalf("err = %v", r.err)
	}
	assertPending(t, c, 0, 0)
}

func TestDuplicateJobID(t *testing.T) {
	c, sender, _ := newTestCorrelator()

	first := startJob(c, protocol.GenerateRequest{Name: "a", Prompt: "p"})
	idA := sender.next(t).RequestID
	second := startJob(c, protocol.GenerateRequest{Name: "b", Prompt: "p"})
	idB := sender.next(t).RequestID

	c.Dispatch(protocol.JobStarted{Type: protocol.KindGenerateStarted, RequestID: idA, JobID: "same", Success: true})
	c.Dispatch(protocol.JobStarted{Type: protocol.KindGenerateStarted, RequestID: idB, JobID: "same", Success: true})

	if r := awaitJob(t, second); !errors.Is(r.err, errors.ErrRemote) {
		t.Errorf("second err = %v, want RemoteError", r.err)
	}
	c.Dispatch(protocol.VariantUpdated{JobID: "same", Status: protocol.VariantCompleted, VariantID: "v"})
	if r := awaitJob(t, first); r.err != nil || r.res.VariantID != "v" {
		t.Errorf("first = %+v", r)
	}
}

func TestJobTimeoutCoversBothPhases(t *testing.T) {
	c, sender, clk := newTestCorrelator()

	ch := startJob(c, protocol.GenerateRequest{Name: "n", Prompt: "p"})
	id := sender.next(t).RequestID

	clk.Advance(100 * time.Second)
	c.Dispatch(protocol.JobStarted{Type: protocol.KindGenerateStarted, RequestID: id, JobID: "slow", AssetID: "a", Success: true})
	clk.Advance(199 * time.Second)
	assertPending(t, c, 0, 1)

	clk.Advance(time.Second) // 300s after the request
	r := awaitJob(t, ch)
	if !errors.Is(r.err, errors.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", r.err)
	}
	if r.res.JobID != "slow" || r.res.AssetID != "a" {
		t.Errorf("abandoned job IDs not reported: %+v", r.res)
	}
	assertPending(t, c, 0, 0)

	// The server finishes the abandoned job later; nothing happens locally.
	if d := c.Dispatch(protocol.VariantUpdated{JobID: "slow", Status: protocol.VariantCompleted}); d != Unmatched {
		t.Errorf("late terminal Dispatch() = %s", d)
	}
}

func TestErrorFrameForStartedJob(t *testing.T) {
	c, sender, _ := newTestCorrelator()

	ch := startJob(c, protocol.GenerateRequest{Name: "n", Prompt: "p"})
	id := sender.next(t).RequestID
	c.Dispatch(protocol.JobStarted{Type: protocol.KindGenerateStarted, RequestID: id, JobID: "j", Success: true})
	c.Dispatch(protocol.ErrorFrame{Code: "WORKER_CRASH", Message: "worker died", RequestID: id})

	r := awaitJob(t, ch)
	var re *errors.RemoteError
	if !errors.As(r.err, &re) || re.Code != "WORKER_CRASH" {
		t.Fatalf("err = %v", r.err)
	}
	assertPending(t, c, 0, 0)
}

func TestStartJobRejectsNonJobKinds(t *testing.T) {
	c, _, _ := newTestCorrelator()
	if _, err := c.StartJob(context.Background(), protocol.ChatRequest{}); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("err = %v", err)
	}
}
