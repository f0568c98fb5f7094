package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/retry"
	"remindbot/internal/storage"
	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type readyFlag bool

func (r readyFlag) IsReady() bool { return bool(r) }

type staticRecipients []storage.Recipient

func (s staticRecipients) ActiveRecipients(context.Context) ([]storage.Recipient, error) {
	return s, nil
}

type fakeTransport struct {
	mu          sync.Mutex
	calls       map[string]int
	log         []string
	inflight    int
	maxInflight int
	registered  map[string]bool

	hold time.Duration
	fail func(addr string, call int) error
}

func newFake() *fakeTransport {
	return &fakeTransport{calls: map[string]int{}, registered: map[string]bool{}}
}

func (f *fakeTransport) Connect(context.Context) error    { return nil }
func (f *fakeTransport) Disconnect(context.Context) error { return nil }
func (f *fakeTransport) IsConnected() bool                { return true }
func (f *fakeTransport) Events() <-chan transport.Event   { return nil }
func (f *fakeTransport) Self() transport.Account          { return transport.Account{} }

func (f *fakeTransport) IsRegistered(_ context.Context, addr string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registered[addr], nil
}

func (f *fakeTransport) SendText(ctx context.Context, addr, _ string) error {
	f.mu.Lock()
	f.calls[addr]++
	n := f.calls[addr]
	f.inflight++
	f.maxInflight = max(f.maxInflight, f.inflight)
	f.log = append(f.log, "start "+addr)
	fail := f.fail
	f.mu.Unlock()

	if f.hold > 0 {
		time.Sleep(f.hold)
	}

	f.mu.Lock()
	f.inflight--
	f.log = append(f.log, "end "+addr)
	f.mu.Unlock()

	if fail != nil {
		return fail(addr, n)
	}
	return nil
}

func (f *fakeTransport) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func recipients(n int) staticRecipients {
	out := make(staticRecipients, n)
	for i := range out {
		out[i] = storage.Recipient{ID: fmt.Sprint(i), Phone: fmt.Sprintf("0917000%04d", i), Name: fmt.Sprintf("r%d", i), Active: true}
	}
	return out
}

func fastConfig() Config {
	return Config{BatchSize: 5, SendTimeout: time.Second, MaxRetries: 2, RetryBase: time.Millisecond}
}

func TestBroadcastNotReady(t *testing.T) {
	t.Parallel()
	ft := newFake()
	s := New(fastConfig(), Deps{Ready: readyFlag(false), Recipients: recipients(3), Transport: ft}, logx.Nop())

	res, err := s.Broadcast(context.Background(), Message{Text: "hi"})
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if !res.NotReady || res.Total() != 0 {
		t.Fatalf("result = %+v", res)
	}
	if ft.totalCalls() != 0 {
		t.Fatalf("sends = %d", ft.totalCalls())
	}
}

func TestBroadcastEmptyRecipients(t *testing.T) {
	t.Parallel()
	ft := newFake()
	s := New(fastConfig(), Deps{Ready: readyFlag(true), Recipients: staticRecipients{}, Transport: ft}, logx.Nop())

	res, err := s.Broadcast(context.Background(), Message{Text: "hi"})
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if res.NotReady || res.Success != 0 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}
	if ft.totalCalls() != 0 {
		t.Fatalf("sends = %d", ft.totalCalls())
	}
}

func TestBroadcastRetryCeiling(t *testing.T) {
	t.Parallel()
	ft := newFake()
	ft.fail = func(string, int) error { return errors.New("boom") }
	cfg := fastConfig()
	cfg.MaxRetries = 2
	s := New(cfg, Deps{Ready: readyFlag(true), Recipients: recipients(3), Transport: ft}, logx.Nop())

	res, err := s.Broadcast(context.Background(), Message{Text: "hi"})
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if res.Success != 0 || res.Failed != 3 || len(res.Failures) != 3 {
		t.Fatalf("result = %+v", res)
	}
	for addr, n := range ft.calls {
		if n != cfg.MaxRetries+1 {
			t.Fatalf("%s attempted %d times, want %d", addr, n, cfg.MaxRetries+1)
		}
	}
	f := res.Failures[0]
	if f.Address != "639170000000@c.us" || f.Name != "r0" || f.Error != "boom" {
		t.Fatalf("failure = %+v", f)
	}
}

func TestBroadcastRecoversAfterTransientFailure(t *testing.T) {
	t.Parallel()
	ft := newFake()
	ft.fail = func(_ string, call int) error {
		if call == 1 {
			return errors.New("transient")
		}
		return nil
	}
	s := New(fastConfig(), Deps{Ready: readyFlag(true), Recipients: recipients(2), Transport: ft}, logx.Nop())

	res, _ := s.Broadcast(context.Background(), Message{Text: "hi"})
	if res.Success != 2 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}
	if ft.totalCalls() != 4 {
		t.Fatalf("calls = %d", ft.totalCalls())
	}
}

func TestBroadcastIsolatesFailures(t *testing.T) {
	t.Parallel()
	ft := newFake()
	bad := "639170000001@c.us"
	ft.fail = func(addr string, _ int) error {
		if addr == bad {
			return errors.New("rejected")
		}
		return nil
	}
	s := New(fastConfig(), Deps{Ready: readyFlag(true), Recipients: recipients(4), Transport: ft}, logx.Nop())

	res, _ := s.Broadcast(context.Background(), Message{Text: "hi"})
	if res.Success != 3 || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Failures) != 1 || res.Failures[0].Address != bad {
		t.Fatalf("failures = %+v", res.Failures)
	}
}

func TestBroadcastBatchesSettleInOrder(t *testing.T) {
	t.Parallel()
	ft := newFake()
	ft.hold = 5 * time.Millisecond
	cfg := fastConfig()
	cfg.BatchSize = 3
	cfg.BatchDelay = 10 * time.Millisecond
	rs := recipients(7)
	s := New(cfg, Deps{Ready: readyFlag(true), Recipients: rs, Transport: ft}, logx.Nop())

	start := time.Now()
	res, _ := s.Broadcast(context.Background(), Message{Text: "hi"})
	if res.Success != 7 {
		t.Fatalf("result = %+v", res)
	}
	if ft.maxInflight > cfg.BatchSize {
		t.Fatalf("max in flight = %d, batch size %d", ft.maxInflight, cfg.BatchSize)
	}
	// Two pauses between three batches, none after the last.
	if took := time.Since(start); took < 2*cfg.BatchDelay {
		t.Fatalf("took %s, expected at least two batch delays", took)
	}

	batchOf := map[string]int{}
	for i, r := range rs {
		batchOf["63"+r.Phone[1:]+"@c.us"] = i / cfg.BatchSize
	}
	lastEnd := map[int]int{}
	firstStart := map[int]int{}
	for i, e := range ft.log {
		var kind, addr string
		fmt.Sscan(e, &kind, &addr)
		b := batchOf[addr]
		if kind == "end" {
			lastEnd[b] = i
		} else if _, ok := firstStart[b]; !ok {
			firstStart[b] = i
		}
	}
	for b := 1; b < 3; b++ {
		if firstStart[b] < lastEnd[b-1] {
			t.Fatalf("batch %d started before batch %d settled: %v", b, b-1, ft.log)
		}
	}
}

func TestBroadcastAttemptTimeout(t *testing.T) {
	t.Parallel()
	ft := newFake()
	ft.hold = 200 * time.Millisecond
	cfg := fastConfig()
	cfg.SendTimeout = 20 * time.Millisecond
	cfg.MaxRetries = 1
	s := New(cfg, Deps{Ready: readyFlag(true), Recipients: recipients(1), Transport: ft}, logx.Nop())

	res, _ := s.Broadcast(context.Background(), Message{Text: "hi"})
	if res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	if res.Failures[0].Error != retry.ErrAttemptTimeout.Error() {
		t.Fatalf("error = %q", res.Failures[0].Error)
	}
}

func TestBroadcastBreakerFailsFast(t *testing.T) {
	t.Parallel()
	ft := newFake()
	ft.fail = func(string, int) error { return errors.New("down") }
	cfg := fastConfig()
	cfg.BatchSize = 1
	cfg.MaxRetries = 3
	cfg.Breaker = BreakerConfig{Enabled: true, ConsecutiveFailures: 1, OpenTimeout: time.Minute}
	s := New(cfg, Deps{Ready: readyFlag(true), Recipients: recipients(2), Transport: ft}, logx.Nop())

	res, _ := s.Broadcast(context.Background(), Message{Text: "hi"})
	if res.Failed != 2 {
		t.Fatalf("result = %+v", res)
	}
	if ft.totalCalls() != 1 {
		t.Fatalf("transport calls = %d, breaker should have opened after one", ft.totalCalls())
	}
}

type memRecorder struct {
	mu   sync.Mutex
	recs []storage.DispatchRecord
}

func (m *memRecorder) AppendDispatch(_ context.Context, d storage.DispatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, d)
	return nil
}

func TestBroadcastRecordsAndPublishes(t *testing.T) {
	t.Parallel()
	ft := newFake()
	rec := &memRecorder{}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	s := New(fastConfig(), Deps{Ready: readyFlag(true), Recipients: recipients(2), Transport: ft, Recorder: rec, Bus: bus}, logx.Nop())
	_, _ = s.Broadcast(context.Background(), Message{TemplateID: "t1", Title: "Meds", Text: "hi", Trigger: TriggerSchedule})

	if len(rec.recs) != 1 {
		t.Fatalf("records = %d", len(rec.recs))
	}
	r := rec.recs[0]
	if r.TemplateID != "t1" || r.Trigger != TriggerSchedule || r.Success != 2 {
		t.Fatalf("record = %+v", r)
	}
	select {
	case ev := <-ch:
		if ev.Type != eventbus.DispatchFinished {
			t.Fatalf("event = %s", ev.Type)
		}
	default:
		t.Fatal("no dispatch event published")
	}
	if len(s.Running()) != 0 {
		t.Fatal("progress not cleared after broadcast")
	}
}

func TestSendOne(t *testing.T) {
	t.Parallel()
	ft := newFake()
	ft.registered["639171234567@c.us"] = true

	s := New(fastConfig(), Deps{Ready: readyFlag(false), Recipients: staticRecipients{}, Transport: ft}, logx.Nop())
	if _, err := s.SendOne(context.Background(), "09171234567", "hi"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("not ready: err = %v", err)
	}

	s = New(fastConfig(), Deps{Ready: readyFlag(true), Recipients: staticRecipients{}, Transport: ft}, logx.Nop())
	if _, err := s.SendOne(context.Background(), "09179999999", "hi"); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("unregistered: err = %v", err)
	}
	if _, err := s.SendOne(context.Background(), "12", "hi"); !errors.Is(err, ErrInvalidPhone) {
		t.Fatalf("invalid phone: err = %v", err)
	}

	addr, err := s.SendOne(context.Background(), "0917 123 4567", "hi")
	if err != nil {
		t.Fatalf("SendOne: %v", err)
	}
	if addr != "639171234567@c.us" || ft.calls[addr] != 1 {
		t.Fatalf("addr = %q calls = %v", addr, ft.calls)
	}
}

func TestSendOneRetries(t *testing.T) {
	t.Parallel()
	ft := newFake()
	ft.registered["639171234567@c.us"] = true
	ft.fail = func(string, int) error { return errors.New("flaky") }
	s := New(fastConfig(), Deps{Ready: readyFlag(true), Recipients: staticRecipients{}, Transport: ft}, logx.Nop())

	if _, err := s.SendOne(context.Background(), "639171234567", "hi"); err == nil {
		t.Fatal("expected error")
	}
	if got := ft.calls["639171234567@c.us"]; got != singleSendRetries+1 {
		t.Fatalf("attempts = %d", got)
	}
}

func TestBatches(t *testing.T) {
	t.Parallel()
	tests := []struct {
		n, size int
		want    []int
	}{
		{0, 5, nil},
		{5, 5, []int{5}},
		{7, 3, []int{3, 3, 1}},
		{2, 0, []int{1, 1}},
	}
	for _, tt := range tests {
		items := make([]int, tt.n)
		for i := range items {
			items[i] = i
		}
		got := Batches(items, tt.size)
		if len(got) != len(tt.want) {
			t.Fatalf("Batches(%d,%d) = %v", tt.n, tt.size, got)
		}
		next := 0
		for i, b := range got {
			if len(b) != tt.want[i] {
				t.Fatalf("batch %d len = %d, want %d", i, len(b), tt.want[i])
			}
			for _, v := range b {
				if v != next {
					t.Fatalf("order broken: got %d want %d", v, next)
				}
				next++
			}
		}
	}
}

func TestWithDefaults(t *testing.T) {
	t.Parallel()
	cfg := withDefaults(Config{MaxRetries: -1})
	if cfg.BatchSize != 5 || cfg.SendTimeout != 15*time.Second || cfg.RetryBase != time.Second || cfg.MaxRetries != 0 || cfg.CountryCode != "63" {
		t.Fatalf("defaults = %+v", cfg)
	}
}
