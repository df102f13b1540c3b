package correlate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atelierhq/atelier/internal/clock"
	"github.com/atelierhq/atelier/internal/errors"
	"github.com/atelierhq/atelier/internal/protocol"
)

type sentFrame struct {
	Type      protocol.Kind  `json:"type"`
	RequestID string         `json:"requestId"`
	Fields    map[string]any `json:"-"`
}

type fakeSender struct {
	mu   sync.Mutex
	err  error
	sent chan sentFrame
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(chan sentFrame, 64)}
}

func (s *fakeSender) Write(_ context.Context, data []byte) error {
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return err
	}
	var f sentFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	json.Unmarshal(data, &f.Fields)
	s.sent <- f
	return nil
}

func (s *fakeSender) next(t *testing.T) sentFrame {
	t.Helper()
	select {
	case f := <-s.sent:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a sent frame")
		return sentFrame{}
	}
}

type call struct {
	frame protocol.Frame
	err   error
}

func start(c *Correlator, req protocol.Request, opts ...CallOption) <-chan call {
	ch := make(chan call, 1)
	go func() {
		f, err := c.Request(context.Background(), req, opts...)
		ch <- call{f, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan call) call {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for settlement")
		return call{}
	}
}

func assertPending(t *testing.T, c *Correlator, wantRequests, wantJobs int) {
	t.Helper()
	r, j := c.Pending()
	if r != wantRequests || j != wantJobs {
		t.Errorf("Pending() = (%d, %d), want (%d, %d)", r, j, wantRequests, wantJobs)
	}
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestCorrelator() (*Correlator, *fakeSender, *clock.FakeClock) {
	sender := newFakeSender()
	clk := clock.Fake(epoch)
	return New(sender, Options{Clock: clk}), sender, clk
}

func TestRequestResolves(t *testing.T) {
	c, sender, _ := newTestCorrelator()

	ch := start(c, protocol.ChatRequest{Message: "hello"})
	sent := sender.next(t)
	if sent.Type != protocol.KindChatRequest || sent.RequestID == "" {
		t.Fatalf("sent %+v", sent)
	}
	if sent.Fields["message"] != "hello" {
		t.Errorf("payload fields not merged into envelope: %v", sent.Fields)
	}

	d := c.Dispatch(protocol.ChatResponse{RequestID: sent.RequestID, Success: true, Message: "hi"})
	if d != Settled {
		t.Errorf("Dispatch() = %s, want settled", d)
	}
	res := await(t, ch)
	if res.err != nil {
		t.Fatalf("Request failed: %v", res.err)
	}
	if res.frame.(protocol.ChatResponse).Message != "hi" {
		t.Errorf("frame = %+v", res.frame)
	}
	assertPending(t, c, 0, 0)
}

func TestConcurrentChatsResolveIndependently(t *testing.T) {
	for _, reverse := range []bool{false, true} {
		t.Run(fmt.Sprintf("reverse=%v", reverse), func(t *testing.T) {
			c, sender, _ := newTestCorrelator()

			first := start(c, protocol.ChatRequest{Message: "one"})
			idOne := sender.next(t).RequestID
			second := start(c, protocol.ChatRequest{Message: "two"})
			idTwo := sender.next(t).RequestID
			if idOne == idTwo {
				t.Fatal("request IDs must be unique")
			}

			responses := []protocol.ChatResponse{
				{RequestID: idOne, Success: true, Message: "re: one"},
				{RequestID: idTwo, Success: true, Message: "re: two"},
			}
			if reverse {
				responses[0], responses[1] = responses[1], responses[0]
			}
			for _, r := range responses {
				c.Dispatch(r)
			}

			if got := await(t, first).frame.(protocol.ChatResponse).Message; got != "re: one" {
				t.Errorf("first got %q", got)
			}
			if got := await(t, second).frame.(protocol.ChatResponse).Message; got != "re: two" {
				t.Errorf("second got %q", got)
			}
			assertPending(t, c, 0, 0)
		})
	}
}

func TestDescribeTimeoutAndLateResponse(t *testing.T) {
	c, sender, clk := newTestCorrelator()

	ch := start(c, protocol.DescribeRequest{AssetID: "a"}, WithTimeout(60000*time.Millisecond))
	id := sender.next(t).RequestID

	clk.Advance(59999 * time.Millisecond)
	select {
	case r := <-ch:
		t.Fatalf("settled early: %+v", r)
	default:
	}
	assertPending(t, c, 1, 0)

	clk.Advance(2 * time.Millisecond) // t = 60001ms
	res := await(t, ch)
	if !errors.Is(res.err, errors.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", res.err)
	}
	var te *errors.TimeoutError
	if !errors.As(res.err, &te) || te.RequestID != id || te.Kind != string(protocol.KindDescribeRequest) {
		t.Errorf("timeout error = %+v", te)
	}
	assertPending(t, c, 0, 0)

	clk.Advance(99 * time.Millisecond) // t = 60100ms
	if d := c.Dispatch(protocol.DescribeResponse{RequestID: id, Success: true}); d != Unmatched {
		t.Errorf("late response Dispatch() = %s, want unmatched", d)
	}
	assertPending(t, c, 0, 0)
}

func TestDefaultTimeoutPerKind(t *testing.T) {
	c, sender, clk := newTestCorrelator()

	list := start(c, protocol.ApprovalListRequest{})
	sender.next(t)
	chat := start(c, protocol.ChatRequest{Message: "x"})
	sender.next(t)

	clk.Advance(10 * time.Second)
	if r := await(t, list); !errors.Is(r.err, errors.ErrTimeout) {
		t.Fatalf("approval:list err = %v, want timeout at 10s", r.err)
	}
	select {
	case r := <-chat:
		t.Fatalf("chat settled at 10s: %+v", r)
	default:
	}
	clk.Advance(110 * time.Second)
	if r := await(t, chat); !errors.Is(r.err, errors.ErrTimeout) {
		t.Fatalf("chat err = %v, want timeout at 120s", r.err)
	}
}

func TestSendFailureRejectsImmediately(t *testing.T) {
	c, sender, clk := newTestCorrelator()
	sender.err = errors.New("broken pipe")

	_, err := c.Request(context.Background(), protocol.CompareRequest{VariantIDs: []string{"a", "b"}})
	if !errors.Is(err, errors.ErrTransport) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	assertPending(t, c, 0, 0)
	if clk.Pending() != 0 {
		t.Errorf("timer left behind after send failure: %d", clk.Pending())
	}
}

func TestRemoteFailureEnvelope(t *testing.T) {
	c, sender, _ := newTestCorrelator()

	ch := start(c, protocol.ChatRequest{Message: "x"})
	id := sender.next(t).RequestID
	c.Dispatch(protocol.ChatResponse{RequestID: id, Success: false, Error: "quota exceeded"})

	res := await(t, ch)
	var re *errors.RemoteError
	if !errors.As(res.err, &re) {
		t.Fatalf("err = %v, want RemoteError", res.err)
	}
	if re.Message() != "quota exceeded" || re.RequestID != id {
		t.Errorf("RemoteError = %+v", re)
	}
}

func TestErrorFrameWithRequestID(t *testing.T) {
	c, sender, _ := newTestCorrelator()

	ch := start(c, protocol.DescribeRequest{AssetID: "missing"})
	id := sender.next(t).RequestID

	if d := c.Dispatch(protocol.ErrorFrame{Code: "NOT_FOUND", Message: "no asset"}); d != Unmatched {
		t.Errorf("untied error frame Dispatch() = %s, want unmatched", d)
	}
	if d := c.Dispatch(protocol.ErrorFrame{Code: "NOT_FOUND", Message: "no asset", RequestID: id}); d != Settled {
		t.Errorf("tied error frame Dispatch() = %s, want settled", d)
	}
	res := await(t, ch)
	var re *errors.RemoteError
	if !errors.As(res.err, &re) || re.Code != "NOT_FOUND" {
		t.Fatalf("err = %v", res.err)
	}
}

func TestWrongResponseKindIsDropped(t *testing.T) {
	c, sender, clk := newTestCorrelator()

	ch := start(c, protocol.DescribeRequest{AssetID: "a"})
	id := sender.next(t).RequestID

	if d := c.Dispatch(protocol.CompareResponse{RequestID: id, Success: true}); d != Unmatched {
		t.Errorf("Dispatch() = %s, want unmatched", d)
	}
	assertPending(t, c, 1, 0)
	clk.Advance(time.Minute)
	if r := await(t, ch); !errors.Is(r.err, errors.ErrTimeout) {
		t.Errorf("err = %v", r.err)
	}
}

func TestContextCancel(t *testing.T) {
	c, sender, _ := newTestCorrelator()
	ctx, cancel := context.WithCancel(context.Background())

	ch := make(chan call, 1)
	go func() {
		f, err := c.Request(ctx, protocol.SyncRequest{})
		ch <- call{f, err}
	}()
	sender.next(t)
	cancel()

	res := await(t, ch)
	if !errors.Is(res.err, context.Canceled) || !errors.Is(res.err, errors.ErrTimeout) {
		t.Fatalf("err = %v, want timeout wrapping context.Canceled", res.err)
	}
	assertPending(t, c, 0, 0)
}

func TestLatestWins(t *testing.T) {
	c, sender, _ := newTestCorrelator()

	a := start(c, protocol.SyncRequest{})
	sender.next(t)
	b := start(c, protocol.SyncRequest{})
	sender.next(t)

	state := protocol.SyncState{Assets: []protocol.Asset{{ID: "x", Name: "hero"}}}
	if d := c.Dispatch(state); d != Settled {
		t.Fatalf("Dispatch() = %s", d)
	}
	for _, ch := range []<-chan call{a, b} {
		r := await(t, ch)
		if r.err != nil || len(r.frame.(protocol.SyncState).Assets) != 1 {
			t.Errorf("got %+v", r)
		}
	}
	if d := c.Dispatch(state); d != Unmatched {
		t.Errorf("unsolicited sync:state Dispatch() = %s, want unmatched", d)
	}
}

func TestBroadcastKindsSettleOnlyTheirWaiters(t *testing.T) {
	c, sender, _ := newTestCorrelator()

	sync := start(c, protocol.SyncRequest{})
	sender.next(t)
	list := start(c, protocol.ApprovalListRequest{})
	sender.next(t)
	assertPending(t, c, 2, 0)

	if d := c.Dispatch(protocol.ApprovalList{Approvals: []protocol.Approval{{ID: "ap-1", Status: protocol.ApprovalPending}}}); d != Settled {
		t.Fatalf("approval:list Dispatch() = %s, want settled", d)
	}
	if r := await(t, list); r.err != nil || len(r.frame.(protocol.ApprovalList).Approvals) != 1 {
		t.Errorf("list = %+v", r)
	}
	assertPending(t, c, 1, 0)

	if d := c.Dispatch(protocol.SyncState{Assets: []protocol.Asset{{ID: "a1", Name: "hero"}}}); d != Settled {
		t.Fatalf("sync:state Dispatch() = %s, want settled", d)
	}
	if r := await(t, sync); r.err != nil || len(r.frame.(protocol.SyncState).Assets) != 1 {
		t.Errorf("sync = %+v", r)
	}
	assertPending(t, c, 0, 0)
}

func TestApprovalKeyedByApprovalID(t *testing.T) {
	c, sender, _ := newTestCorrelator()

	ch := start(c, protocol.ApproveRequest{ApprovalID: "ap-1"})
	sent := sender.next(t)
	if sent.Fields["approvalId"] != "ap-1" {
		t.Fatalf("sent %+v", sent.Fields)
	}

	other := protocol.ApprovalUpdated{Approval: protocol.Approval{ID: "ap-2", Status: protocol.ApprovalApproved}}
	if d := c.Dispatch(other); d != Unmatched {
		t.Errorf("update for another approval Dispatch() = %s", d)
	}
	mine := protocol.ApprovalUpdated{Approval: protocol.Approval{ID: "ap-1", Status: protocol.ApprovalApproved}}
	if d := c.Dispatch(mine); d != Settled {
		t.Errorf("Dispatch() = %s, want settled", d)
	}
	r := await(t, ch)
	if r.err != nil || r.frame.(protocol.ApprovalUpdated).Approval.Status != protocol.ApprovalApproved {
		t.Errorf("got %+v", r)
	}
	assertPending(t, c, 0, 0)
}

func TestUnknownKindRejected(t *testing.T) {
	c, _, _ := newTestCorrelator()
	_, err := c.Request(context.Background(), bogusRequest{})
	if !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

type bogusRequest struct{}

func (bogusRequest) Kind() protocol.Kind { return "presence:update" }

func TestFailRejectsEverything(t *testing.T) {
	c, sender, _ := newTestCorrelator()

	chat := start(c, protocol.ChatRequest{Message: "x"})
	sender.next(t)
	jobCh := make(chan error, 1)
	go func() {
		_, err := c.StartJob(context.Background(), protocol.GenerateRequest{Name: "n", Prompt: "p"})
		jobCh <- err
	}()
	id := sender.next(t).RequestID
	c.Dispatch(protocol.JobStarted{Type: protocol.KindGenerateStarted, RequestID: id, JobID: "j", Success: true})

	if n := c.Fail(errors.New("connection reset")); n != 2 {
		t.Errorf("Fail() = %d, want 2", n)
	}
	if r := await(t, chat); !errors.Is(r.err, errors.ErrTransport) {
		t.Errorf("chat err = %v", r.err)
	}
	select {
	case err := <-jobCh:
		if !errors.Is(err, errors.ErrTransport) {
			t.Errorf("job err = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("job not rejected")
	}
	if _, err := c.Request(context.Background(), protocol.SyncRequest{}); !errors.Is(err, errors.ErrTransport) {
		t.Errorf("Request after Fail err = %v", err)
	}
	assertPending(t, c, 0, 0)
}

// Every request settles exactly once even when a response, the timeout and
// connection loss race each other.
func TestSettleOnceUnderRace(t *testing.T) {
	const n = 200
	sender := newFakeSender()
	sender.sent = make(chan sentFrame, n)
	clk := clock.Fake(epoch)

	var settled atomic.Int64
	rec := &countingRecorder{settled: &settled}
	c := New(sender, Options{Clock: clk, Recorder: rec})

	results := make(chan call, n)
	for i := 0; i < n; i++ {
		go func() {
			f, err := c.Request(context.Background(), protocol.DescribeRequest{AssetID: "a"}, WithTimeout(time.Second))
			results <- call{f, err}
		}()
	}
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, sender.next(t).RequestID)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, id := range ids {
			c.Dispatch(protocol.DescribeResponse{RequestID: id, Success: true})
		}
	}()
	go func() {
		defer wg.Done()
		clk.Advance(time.Second)
	}()
	wg.Wait()

	resolved, timedOut := 0, 0
	for i := 0; i < n; i++ {
		r := await(t, results)
		switch {
		case r.err == nil:
			resolved++
		case errors.Is(r.err, errors.ErrTimeout):
			timedOut++
		default:
			t.Errorf("unexpected error: %v", r.err)
		}
	}
	if resolved+timedOut != n {
		t.Errorf("resolved %d + timed out %d != %d", resolved, timedOut, n)
	}
	if got := settled.Load(); got != n {
		t.Errorf("recorder saw %d settlements, want %d", got, n)
	}
	assertPending(t, c, 0, 0)
	if c.Fail(errors.New("late")) != 0 {
		t.Error("Fail found entries after every request settled")
	}
}

type countingRecorder struct {
	settled *atomic.Int64
}

func (r *countingRecorder) RequestSent(string) {}
func (r *countingRecorder) RequestSettled(string, string, time.Duration) {
	r.settled.Add(1)
}
func (r *countingRecorder) FrameDropped(string, string) {}
func (r *countingRecorder) PendingChanged(int, int)     {}

func TestTimeouts(t *testing.T) {
	tm := Timeouts{protocol.KindChatRequest: 5 * time.Second, protocol.KindSyncRequest: 0}.merged()
	if tm.For(protocol.KindChatRequest) != 5*time.Second {
		t.Errorf("chat = %v", tm.For(protocol.KindChatRequest))
	}
	if tm.For(protocol.KindSyncRequest) != 10*time.Second {
		t.Errorf("zero override should keep default, got %v", tm.For(protocol.KindSyncRequest))
	}
	if tm.For(protocol.KindGenerateRequest) != 300*time.Second {
		t.Errorf("generate = %v", tm.For(protocol.KindGenerateRequest))
	}
	if tm.For("unknown") != FallbackTimeout {
		t.Errorf("unknown = %v", tm.For("unknown"))
	}
}
