package trustcore

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingSink struct {
	count atomic.Int64
}

func (s *countingSink) Emit(context.Context, AuditEvent) {
	s.count.Add(1)
}

func (s *countingSink) Count() int64 {
	return s.count.Load()
}

type gateSink struct {
	gate chan struct{}
}

func newGateSink() *gateSink {
	return &gateSink{
		gate: make(chan struct{}),
	}
}

func (s *gateSink) Emit(context.Context, AuditEvent) {
	<-s.gate
}

func TestAuditDisabledNoSinkCalls(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Audit.Enabled = false
	})

	_, _ = env.engine.Login(WithClientIP(context.Background(), "203.0.113.1"), "alice@example.com", "wrong-password")
	time.Sleep(30 * time.Millisecond)

	if events := env.sink.All(); len(events) != 0 {
		t.Fatalf("expected no audit events when disabled, got %d", len(events))
	}
}

func TestAuditLoginFailureEventFields(t *testing.T) {
	env := newTestEnv(t, nil)

	ctx := WithClientIP(context.Background(), "198.51.100.33")
	_, _ = env.engine.Login(ctx, "alice@example.com", "wrong-password")

	ev := waitForAuditEvent(t, env.sink, "login_failure")
	if ev.Success {
		t.Fatal("expected failure event")
	}
	if ev.IP != "198.51.100.33" {
		t.Fatalf("expected request IP, got %q", ev.IP)
	}
	if ev.Error != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials code, got %q", ev.Error)
	}
}

func TestAuditNoSecretsInEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	secret, backupCodes := enrollAndEnable(t, env, "u1")

	res, err := env.engine.Login(context.Background(), "alice@example.com", testPassword)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if _, err := env.engine.RedeemChallenge(context.Background(), res.ChallengeToken, backupCodes[0]); err != nil {
		t.Fatalf("RedeemChallenge failed: %v", err)
	}

	waitForAuditEvent(t, env.sink, "backup_code_used")

	needles := []string{testPassword, secret, backupCodes[0], res.ChallengeToken}
	for _, ev := range env.sink.All() {
		for _, needle := range needles {
			if stringContains(ev.Error, needle) {
				t.Fatalf("sensitive value leaked in audit error field of %s", ev.Action)
			}
			for k, v := range ev.Metadata {
				if stringContains(k, needle) || stringContains(v, needle) {
					t.Fatalf("sensitive value leaked in audit metadata of %s", ev.Action)
				}
			}
		}
	}
}

func TestAuditBufferFullDropIfFullTrueDoesNotBlock(t *testing.T) {
	sink := newGateSink()
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 1,
		DropIfFull: true,
	}, sink)
	defer func() {
		close(sink.gate)
		dispatcher.Close()
	}()

	dispatcher.Emit(context.Background(), AuditEvent{Action: "e1"})
	dispatcher.Emit(context.Background(), AuditEvent{Action: "e2"})

	start := time.Now()
	dispatcher.Emit(context.Background(), AuditEvent{Action: "e3"})
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("expected non-blocking emit when DropIfFull is true")
	}
	if dispatcher.Dropped() == 0 {
		t.Fatal("expected dropped counter to increment when queue is full")
	}
}

func TestAuditBufferFullDropIfFullFalseBlocksUntilSpace(t *testing.T) {
	sink := newGateSink()
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 1,
		DropIfFull: false,
	}, sink)
	defer func() {
		close(sink.gate)
		dispatcher.Close()
	}()

	dispatcher.Emit(context.Background(), AuditEvent{Action: "e1"})
	dispatcher.Emit(context.Background(), AuditEvent{Action: "e2"})

	done := make(chan struct{})
	go func() {
		dispatcher.Emit(context.Background(), AuditEvent{Action: "e3"})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("expected emit to block while buffer is full")
	case <-time.After(150 * time.Millisecond):
	}

	sink.gate <- struct{}{}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected blocked emit to proceed after space is available")
	}
}

func TestAuditDispatcherCloseIdempotentAndEmitAfterCloseSafe(t *testing.T) {
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 4,
		DropIfFull: true,
	}, &countingSink{})

	dispatcher.Emit(context.Background(), AuditEvent{Action: "e1"})
	dispatcher.Close()
	dispatcher.Close()
	dispatcher.Emit(context.Background(), AuditEvent{Action: "e2"})
}

func TestAuditDispatcherDrainsOnClose(t *testing.T) {
	sink := &countingSink{}
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 64,
		DropIfFull: false,
	}, sink)

	const n = 32
	for i := 0; i < n; i++ {
		dispatcher.Emit(context.Background(), AuditEvent{Action: "e"})
	}
	dispatcher.Close()

	if got := sink.Count(); got != n {
		t.Fatalf("expected %d delivered after drain, got %d", n, got)
	}
}

type failingNotifier struct{}

func (failingNotifier) Notify(context.Context, string, Notification) error {
	return errors.New("smtp unavailable")
}

func TestNotifyFailureLoggedNotFatal(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	engine, err := New().
		WithConfig(testConfig()).
		WithRedis(rdb).
		WithPrincipalStore(newTestPrincipals(t)).
		WithVerifier(stubVerifier{}).
		WithNotifier(failingNotifier{}).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer engine.Close()

	var buf syncBuffer
	prev := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(prev)

	engine.notify(context.Background(), "u1", Notification{Title: "Backup code used"})

	if !buf.Contains(ErrNotifyFailed.Error()) {
		t.Fatal("expected notify failure to be logged with the delivery error")
	}
}

type faultySink struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (s *faultySink) Emit(_ context.Context, ev AuditEvent) {
	if ev.Action == "boom" {
		panic("sink failure")
	}
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *faultySink) All() []AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEvent(nil), s.events...)
}

func TestAuditDispatcherSurvivesSinkPanic(t *testing.T) {
	sink := &faultySink{}
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 8,
		DropIfFull: false,
	}, sink)

	dispatcher.Emit(context.Background(), AuditEvent{Action: "boom"})
	dispatcher.Emit(context.Background(), AuditEvent{Action: "after"})
	dispatcher.Close()

	events := sink.All()
	if len(events) != 1 || events[0].Action != "after" {
		t.Fatalf("expected delivery to continue past a sink panic, got %+v", events)
	}
}

func TestAuditDispatcherStampsMissingTimestamp(t *testing.T) {
	sink := NewMemorySink()
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 4,
		DropIfFull: false,
	}, sink)

	dispatcher.Emit(context.Background(), AuditEvent{Action: "unstamped"})
	dispatcher.Close()

	events := sink.All()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Timestamp.IsZero() {
		t.Fatal("expected dispatcher to stamp a missing timestamp")
	}
}

func TestAuditJSONWriterSinkWritesJSONLines(t *testing.T) {
	var buf syncBuffer
	sink := NewJSONWriterSink(&buf)
	sink.Emit(context.Background(), AuditEvent{
		Timestamp: time.Now().UTC(),
		Action:    auditEventLoginSuccess,
		ActorID:   "u1",
		IP:        "127.0.0.1",
		Success:   true,
	})

	if !buf.Contains("login_success") {
		t.Fatal("expected JSON log line to contain action")
	}
	if !buf.Contains("\"actor_id\":\"u1\"") {
		t.Fatal("expected JSON log line to contain actor id")
	}
}

func TestChannelSinkDeliversAndHonorsCancel(t *testing.T) {
	sink := NewChannelSink(1)
	sink.Emit(context.Background(), AuditEvent{Action: "a"})

	select {
	case ev := <-sink.Events():
		if ev.Action != "a" {
			t.Fatalf("unexpected event: %q", ev.Action)
		}
	default:
		t.Fatal("expected buffered event")
	}

	sink.Emit(context.Background(), AuditEvent{Action: "b"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink.Emit(ctx, AuditEvent{Action: "dropped"})

	if ev := <-sink.Events(); ev.Action != "b" {
		t.Fatalf("expected b, got %q", ev.Action)
	}
	select {
	case ev := <-sink.Events():
		t.Fatalf("expected no further events, got %q", ev.Action)
	default:
	}
}

func TestMemorySinkQueries(t *testing.T) {
	sink := NewMemorySink()
	sink.Emit(context.Background(), AuditEvent{Action: "a", ActorID: "adm1", SubjectID: "u1"})
	sink.Emit(context.Background(), AuditEvent{Action: "b", ActorID: "adm1", SubjectID: "u2"})
	sink.Emit(context.Background(), AuditEvent{Action: "c", ActorID: "u1", SubjectID: "u1"})

	bySubject := sink.QueryBySubject("u1")
	if len(bySubject) != 2 || bySubject[0].Action != "a" || bySubject[1].Action != "c" {
		t.Fatalf("unexpected subject query result: %+v", bySubject)
	}
	if byActor := sink.QueryByActor("adm1"); len(byActor) != 2 {
		t.Fatalf("expected 2 actor events, got %d", len(byActor))
	}
	if all := sink.All(); len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *syncBuffer) Contains(v string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return stringContains(string(b.buf), v)
}

func stringContains(s, sub string) bool {
	if len(sub) == 0 {
		return true
	}
	if len(sub) > len(s) {
		return false
	}
	for i := 0; i <= len(s)-len(sub); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
