package warden

import (
	"context"
	"net/netip"
	"testing"
	"time"
)

type testEngine struct {
	*engine
	backend *testBackend
	ledger  *memoryLedger
	clock   *testClock
	t0      time.Time
}

func newTestEngine(maxRetry int, findTime, banTime time.Duration) *testEngine {
	tb := newTestBackend()
	l := newMemoryLedger()
	c := newTestClock()
	s := &service{MaxRetry: maxRetry, name: "ssh", findTime: findTime, banTime: banTime}
	return &testEngine{
		engine: &engine{
			ledger:   l,
			firewall: newFirewall(tb),
			services: map[string]*service{"ssh": s},
			clock:    c,
		},
		backend: tb,
		ledger:  l,
		clock:   c,
		t0:      time.Date(2024, time.March, 10, 11, 0, 0, 0, time.UTC),
	}
}

func (e *testEngine) record(ip netip.Addr, offset time.Duration) *failureRecord {
	return &failureRecord{address: ip, observedAt: e.t0.Add(offset), service: "ssh"}
}

func (e *testEngine) failure(t *testing.T, ip netip.Addr) *failureState {
	t.Helper()
	s, err := e.ledger.failure(context.Background(), ip)
	testNoError(t, err)
	return s
}

func (e *testEngine) ban(t *testing.T, ip netip.Addr) *banRecord {
	t.Helper()
	b, err := e.ledger.ban(context.Background(), ip)
	testNoError(t, err)
	return b
}

func TestEngineBruteForce(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(3, 600*time.Second, time.Hour)

	testNoError(t, e.process(ctx, e.record(testIP4, 0)))
	testNoError(t, e.process(ctx, e.record(testIP4, 60*time.Second)))
	if s := e.failure(t, testIP4); s == nil || s.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %+v", s)
	}
	if b := e.ban(t, testIP4); b != nil {
		t.Fatal("expected no ban after 2 attempts")
	}

	testNoError(t, e.process(ctx, e.record(testIP4, 120*time.Second)))
	b := e.ban(t, testIP4)
	if b == nil {
		t.Fatal("expected ban after 3 attempts")
	}
	if b.Service != "ssh" || b.BanTime != time.Hour || !b.BannedAt.Equal(e.clock.now()) {
		t.Errorf("unexpected ban: %+v", b)
	}
	if s := e.failure(t, testIP4); s != nil {
		t.Errorf("expected failure state to be removed, got %+v", s)
	}
	if !e.backend.blocked(testIP4) {
		t.Error("expected address to be blocked")
	}

	testNoError(t, e.process(ctx, e.record(testIP4, 121*time.Second)))
	if s := e.failure(t, testIP4); s != nil {
		t.Errorf("expected banned address to be ignored, got %+v", s)
	}
	if e.backend.applies != 1 {
		t.Errorf("expected 1 apply, got %d", e.backend.applies)
	}
}

func TestEngineWindowReset(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(3, 60*time.Second, time.Hour)

	testNoError(t, e.process(ctx, e.record(testIP4, 0)))
	testNoError(t, e.process(ctx, e.record(testIP4, 100*time.Second)))

	s := e.failure(t, testIP4)
	if s == nil || s.Attempts != 1 || !s.WindowStart.Equal(e.t0.Add(100*time.Second)) {
		t.Errorf("expected new window with 1 attempt, got %+v", s)
	}
	if b := e.ban(t, testIP4); b != nil {
		t.Error("expected no ban")
	}
}

func TestEngineWindowSlides(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(4, 60*time.Second, time.Hour)

	// Each failure is within the window of the previous one, the fourth is
	// not within the window of the first
	for _, o := range []time.Duration{0, 40 * time.Second, 55 * time.Second} {
		testNoError(t, e.process(ctx, e.record(testIP4, o)))
	}
	s := e.failure(t, testIP4)
	if s == nil || s.Attempts != 3 || !s.WindowStart.Equal(e.t0) || !s.LastSeen.Equal(e.t0.Add(55*time.Second)) {
		t.Fatalf("expected 3 attempts, got %+v", s)
	}

	testNoError(t, e.process(ctx, e.record(testIP4, 80*time.Second)))
	if e.ban(t, testIP4) == nil || !e.backend.blocked(testIP4) {
		t.Error("expected ban after 4 consecutive failures")
	}
	if s := e.failure(t, testIP4); s != nil {
		t.Errorf("expected failure state to be removed, got %+v", s)
	}
}

func TestEngineWindowGap(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(3, 60*time.Second, time.Hour)

	testNoError(t, e.process(ctx, e.record(testIP4, 0)))
	testNoError(t, e.process(ctx, e.record(testIP4, 50*time.Second)))
	testNoError(t, e.process(ctx, e.record(testIP4, 111*time.Second)))

	s := e.failure(t, testIP4)
	if s == nil || s.Attempts != 1 || !s.WindowStart.Equal(e.t0.Add(111*time.Second)) {
		t.Errorf("expected window to restart after a gap, got %+v", s)
	}
	if e.backend.applies != 0 {
		t.Error("expected no ban")
	}
}

func TestEngineSingleRetry(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(1, time.Minute, time.Hour)

	testNoError(t, e.process(ctx, e.record(testIP4, 0)))
	if e.ban(t, testIP4) == nil || !e.backend.blocked(testIP4) {
		t.Error("expected ban on first failure")
	}
}

func TestEngineOutOfOrder(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(5, 60*time.Second, time.Hour)

	testNoError(t, e.process(ctx, e.record(testIP4, 100*time.Second)))
	testNoError(t, e.process(ctx, e.record(testIP4, 70*time.Second)))
	s := e.failure(t, testIP4)
	if s == nil || s.Attempts != 2 || !s.WindowStart.Equal(e.t0.Add(70*time.Second)) || !s.LastSeen.Equal(e.t0.Add(100*time.Second)) {
		t.Errorf("expected window to move back, got %+v", s)
	}

	testNoError(t, e.process(ctx, e.record(testIP4, 0)))
	s = e.failure(t, testIP4)
	if s == nil || s.Attempts != 2 {
		t.Errorf("expected stale record to be dropped, got %+v", s)
	}

	testNoError(t, e.process(ctx, e.record(testIP4, 90*time.Second)))
	s = e.failure(t, testIP4)
	if s == nil || s.Attempts != 3 || !s.LastSeen.Equal(e.t0.Add(100*time.Second)) {
		t.Errorf("expected last seen to be kept, got %+v", s)
	}
}

func TestEngineRedelivery(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(2, time.Minute, time.Hour)

	r := e.record(testIP4, 0)
	testNoError(t, e.process(ctx, r))
	testNoError(t, e.process(ctx, r))
	testNoError(t, e.process(ctx, r))
	testNoError(t, e.process(ctx, r))

	bs, err := e.ledger.bans(ctx)
	testNoError(t, err)
	if len(bs) != 1 {
		t.Errorf("expected exactly 1 ban, got %d", len(bs))
	}
	if e.backend.applies != 1 {
		t.Errorf("expected 1 apply, got %d", e.backend.applies)
	}
}

func TestEngineBanExists(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(2, time.Minute, time.Hour)

	testNoError(t, e.process(ctx, e.record(testIP4, 0)))

	// A ban by another writer between lookup and creation
	testNoError(t, e.ledger.putBan(ctx, &banRecord{Address: testIP4, BannedAt: e.clock.now(), BanTime: time.Hour, Service: "apache2"}))
	fs := e.failure(t, testIP4)
	fs.Attempts++
	testNoError(t, e.engine.ban(ctx, e.services["ssh"], e.record(testIP4, time.Second), fs))

	if s := e.failure(t, testIP4); s != nil {
		t.Errorf("expected failure state to be removed, got %+v", s)
	}
	if b := e.ban(t, testIP4); b == nil || b.Service != "apache2" {
		t.Errorf("expected first ban to be kept, got %+v", b)
	}
	if e.backend.applies != 0 {
		t.Errorf("expected no apply, got %d", e.backend.applies)
	}
}

func TestEngineApplyFailure(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(2, time.Minute, time.Hour)
	e.backend.applyErr = errFault

	testNoError(t, e.process(ctx, e.record(testIP4, 0)))
	err := e.process(ctx, e.record(testIP4, time.Second))
	testErrorIs(t, err, errBanFailed)
	testErrorIs(t, err, errFault)

	if b := e.ban(t, testIP4); b != nil {
		t.Errorf("expected ban to be rolled back, got %+v", b)
	}
	if s := e.failure(t, testIP4); s == nil || s.Attempts != 2 {
		t.Errorf("expected 2 attempts to be kept, got %+v", s)
	}

	e.backend.applyErr = nil
	testNoError(t, e.process(ctx, e.record(testIP4, 2*time.Second)))
	if e.ban(t, testIP4) == nil || !e.backend.blocked(testIP4) {
		t.Error("expected ban to be retried")
	}
}

func TestEngineIgnored(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(1, time.Minute, time.Hour)
	is, err := newIgnoreSet([]string{"203.0.113.0/24"})
	testNoError(t, err)
	e.services["ssh"].ignore = is

	testNoError(t, e.process(ctx, e.record(testIP4, 0)))
	testNoError(t, e.process(ctx, e.record(netip.MustParseAddr("127.0.0.1"), 0)))
	if e.backend.applies != 0 {
		t.Error("expected ignored addresses not to be banned")
	}
	testNoError(t, e.process(ctx, e.record(testIP6, 0)))
	if !e.backend.blocked(testIP6) {
		t.Error("expected address to be blocked")
	}
}

func TestEngineIndependentAddresses(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(2, time.Minute, time.Hour)

	testNoError(t, e.process(ctx, e.record(testIP4, 0)))
	testNoError(t, e.process(ctx, e.record(testIP6, time.Second)))
	if e.backend.applies != 0 {
		t.Error("expected failures of different addresses not to add up")
	}
	testNoError(t, e.process(ctx, e.record(testIP6, 2*time.Second)))
	if e.backend.blocked(testIP4) || !e.backend.blocked(testIP6) {
		t.Error("expected only the second address to be blocked")
	}
}

func TestEngineUnknownService(t *testing.T) {
	e := newTestEngine(1, time.Minute, time.Hour)
	r := e.record(testIP4, 0)
	r.service = "unknown"
	testError(t, e.process(context.Background(), r))
}

func TestEngineRun(t *testing.T) {
	e := newTestEngine(1, time.Minute, time.Hour)
	e.backend.applyErr = errFault

	rc := make(chan *failureRecord, 2)
	rc <- e.record(testIP4, 0)
	rr := e.record(testIP6, 0)
	rr.service = "unknown"
	rc <- rr

	// The failed ban is logged, the unknown service stops the engine
	testError(t, e.run(context.Background(), rc))
	if e.backend.applies != 1 {
		t.Errorf("expected 1 apply, got %d", e.backend.applies)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	testNoError(t, e.run(ctx, make(chan *failureRecord)))
}
