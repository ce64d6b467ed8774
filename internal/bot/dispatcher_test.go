package bot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coursegate/accessbot/internal/config"
	"github.com/coursegate/accessbot/internal/db"
	"github.com/coursegate/accessbot/internal/getcourse"
)

const testYAML = `
timezone: UTC
sweep_time: "04:00"
dispatch_time: "09:00"
max_attempts: 2
admin_ids: [99]
messages:
  hello: "HELLO"
  invalid: "INVALID"
  retry: "RETRY"
  approved: "APPROVED {email}"
  declined: "DECLINED"
  duplicate: "DUPLICATE"
  unavailable: "UNAVAILABLE"
  expired: "EXPIRED"
bindings:
  - key: pro
    label: Pro cohort
    chat_id: -100500
    gc_group_ids: ["7"]
`

type fakeTG struct {
	mu       sync.Mutex
	sent     map[int64][]string
	approved []string
	declined []string
	failSend bool
}

func newFakeTG() *fakeTG { return &fakeTG{sent: make(map[int64][]string)} }

func (f *fakeTG) SendMessage(chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return errors.New("telegram sendMessage: 403 Forbidden")
	}
	f.sent[chatID] = append(f.sent[chatID], text)
	return nil
}

func (f *fakeTG) ApproveJoinRequest(chatID, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approved = append(f.approved, fmt.Sprintf("%d/%d", chatID, userID))
	return nil
}

func (f *fakeTG) DeclineJoinRequest(chatID, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declined = append(f.declined, fmt.Sprintf("%d/%d", chatID, userID))
	return nil
}

func (f *fakeTG) lastTo(chatID int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.sent[chatID]
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1]
}

type fakeOracle struct {
	members map[string]bool
	err     error
}

func (f *fakeOracle) IsMember(ctx context.Context, gcGroupIDs []string, email string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.members[email], nil
}

type testEnv struct {
	d        *Dispatcher
	tg       *fakeTG
	oracle   *fakeOracle
	sessions *Sessions
	cfg      *config.Controller
	cfgPath  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	if err := db.Init(filepath.Join(t.TempDir(), "bot_test.db")); err != nil {
		t.Fatalf("db init: %v", err)
	}
	cfgPath := filepath.Join(t.TempDir(), "access.yaml")
	if err := os.WriteFile(cfgPath, []byte(testYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	tg := newFakeTG()
	oracle := &fakeOracle{members: map[string]bool{}}
	sessions := NewSessions()
	return &testEnv{
		d:        NewDispatcher(tg, oracle, cfg, sessions),
		tg:       tg,
		oracle:   oracle,
		sessions: sessions,
		cfg:      cfg,
		cfgPath:  cfgPath,
	}
}

func joinRequest(chatID, userID int64) *Update {
	return &Update{JoinRequest: &ChatJoinRequest{
		Chat: &Chat{ID: chatID, Type: "supergroup"},
		From: &User{ID: userID},
	}}
}

func privateMessage(userID int64, text string) *Update {
	return &Update{Message: &Message{
		From: &User{ID: userID},
		Chat: &Chat{ID: userID, Type: "private"},
		Text: text,
	}}
}

func privateMessageID(updateID, userID int64, text string) *Update {
	u := privateMessage(userID, text)
	u.UpdateID = updateID
	return u
}

func memberEmails(t *testing.T, chatID int64) []string {
	t.Helper()
	members, err := db.MembersByChat(chatID)
	if err != nil {
		t.Fatalf("MembersByChat: %v", err)
	}
	var out []string
	for _, m := range members {
		out = append(out, m.Email)
	}
	return out
}

func TestJoinApproved(t *testing.T) {
	env := newTestEnv(t)
	d, tg, oracle, sessions := env.d, env.tg, env.oracle, env.sessions
	ctx := context.Background()
	oracle.members["a@x.com"] = true

	d.Handle(ctx, joinRequest(-100500, 42))
	if got := tg.lastTo(42); got != "HELLO" {
		t.Fatalf("expected prompt, got %q", got)
	}

	// Raw reply with stray case and whitespace must normalize.
	d.Handle(ctx, privateMessage(42, " A@X.com "))

	if len(tg.approved) != 1 || tg.approved[0] != "-100500/42" {
		t.Fatalf("approve calls: %v", tg.approved)
	}
	if got := tg.lastTo(42); got != "APPROVED a@x.com" {
		t.Errorf("approval message: %q", got)
	}
	if emails := memberEmails(t, -100500); len(emails) != 1 || emails[0] != "a@x.com" {
		t.Errorf("member rows: %v", emails)
	}
	if sessions.Get(42) != nil {
		t.Error("session not destroyed after approval")
	}
}

func TestJoinDeclinedAfterMaxAttempts(t *testing.T) {
	env := newTestEnv(t)
	d, tg, sessions := env.d, env.tg, env.sessions
	ctx := context.Background()

	d.Handle(ctx, joinRequest(-100500, 42))

	// Garbage input: re-prompt, no attempt consumed.
	d.Handle(ctx, privateMessage(42, "bad-email"))
	if got := tg.lastTo(42); got != "INVALID" {
		t.Fatalf("expected INVALID, got %q", got)
	}
	if sess := sessions.Get(42); sess == nil || sess.attempts != 0 {
		t.Fatal("invalid input consumed an attempt")
	}

	// First real attempt: not a member.
	d.Handle(ctx, privateMessage(42, "b@x.com"))
	if got := tg.lastTo(42); got != "RETRY" {
		t.Fatalf("expected RETRY, got %q", got)
	}
	if sess := sessions.Get(42); sess == nil || sess.attempts != 1 {
		t.Fatal("first failed attempt not counted")
	}

	// Second attempt exhausts the session.
	d.Handle(ctx, privateMessage(42, "c@x.com"))
	if len(tg.declined) != 1 || tg.declined[0] != "-100500/42" {
		t.Fatalf("decline calls: %v", tg.declined)
	}
	if got := tg.lastTo(42); got != "DECLINED" {
		t.Errorf("decline message: %q", got)
	}
	if sessions.Get(42) != nil {
		t.Error("session not destroyed after exhaustion")
	}
	if emails := memberEmails(t, -100500); len(emails) != 0 {
		t.Errorf("member rows created for declined user: %v", emails)
	}
}

func TestOracleUnavailableDoesNotConsumeAttempt(t *testing.T) {
	env := newTestEnv(t)
	d, tg, oracle, sessions := env.d, env.tg, env.oracle, env.sessions
	ctx := context.Background()

	d.Handle(ctx, joinRequest(-100500, 42))

	oracle.err = fmt.Errorf("boom: %w", getcourse.ErrUnavailable)
	d.Handle(ctx, privateMessage(42, "a@x.com"))
	if got := tg.lastTo(42); got != "UNAVAILABLE" {
		t.Fatalf("expected UNAVAILABLE, got %q", got)
	}
	if sess := sessions.Get(42); sess == nil || sess.attempts != 0 {
		t.Fatal("oracle outage consumed an attempt")
	}
	if len(tg.declined) != 0 {
		t.Fatal("oracle outage treated as decline")
	}

	// The outage clears and the same email succeeds.
	oracle.err = nil
	oracle.members["a@x.com"] = true
	d.Handle(ctx, privateMessage(42, "a@x.com"))
	if len(tg.approved) != 1 {
		t.Fatalf("approve after recovery: %v", tg.approved)
	}
}

func TestDuplicateEmailDeclines(t *testing.T) {
	env := newTestEnv(t)
	d, tg, oracle, sessions := env.d, env.tg, env.oracle, env.sessions
	ctx := context.Background()
	oracle.members["a@x.com"] = true

	if err := db.UpsertMember(-100500, 7, "a@x.com", "pro"); err != nil {
		t.Fatalf("seed member: %v", err)
	}

	d.Handle(ctx, joinRequest(-100500, 42))
	d.Handle(ctx, privateMessage(42, "a@x.com"))

	if len(tg.declined) != 1 {
		t.Fatalf("decline calls: %v", tg.declined)
	}
	if got := tg.lastTo(42); got != "DUPLICATE" {
		t.Errorf("expected DUPLICATE, got %q", got)
	}
	if sessions.Get(42) != nil {
		t.Error("session survived duplicate decline")
	}
}

func TestRepeatJoinRequestIgnored(t *testing.T) {
	env := newTestEnv(t)
	d, tg, sessions := env.d, env.tg, env.sessions
	ctx := context.Background()

	d.Handle(ctx, joinRequest(-100500, 42))
	d.Handle(ctx, privateMessage(42, "b@x.com")) // attempt 1 used

	d.Handle(ctx, joinRequest(-100500, 42)) // repeat while open

	if sess := sessions.Get(42); sess == nil || sess.attempts != 1 {
		t.Error("repeat join request reset the open session")
	}
	// Only the one original prompt.
	count := 0
	for _, m := range tg.sent[42] {
		if m == "HELLO" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("prompt sent %d times", count)
	}
}

func TestUnboundChatIgnored(t *testing.T) {
	env := newTestEnv(t)
	d, tg, sessions := env.d, env.tg, env.sessions
	d.Handle(context.Background(), joinRequest(-1, 42))
	if sessions.Get(42) != nil {
		t.Error("session opened for unbound chat")
	}
	if len(tg.sent) != 0 {
		t.Error("message sent for unbound chat")
	}
}

func TestReplyWithoutSessionIgnored(t *testing.T) {
	env := newTestEnv(t)
	d, tg := env.d, env.tg
	d.Handle(context.Background(), privateMessage(42, "a@x.com"))
	if len(tg.sent) != 0 || len(tg.approved) != 0 || len(tg.declined) != 0 {
		t.Error("orphan reply produced side effects")
	}
}

func TestPromptFailureDropsSession(t *testing.T) {
	env := newTestEnv(t)
	d, tg, sessions := env.d, env.tg, env.sessions
	tg.failSend = true
	d.Handle(context.Background(), joinRequest(-100500, 42))
	if sessions.Get(42) != nil {
		t.Error("session kept although the user cannot be prompted")
	}
}

// Telegram webhooks are at-least-once: the same update can arrive twice.
// A redelivered reply must not burn a second attempt.
func TestRedeliveredReplyNotDoubleCounted(t *testing.T) {
	env := newTestEnv(t)
	d, tg, sessions := env.d, env.tg, env.sessions
	ctx := context.Background()

	d.Handle(ctx, joinRequest(-100500, 42))
	d.Handle(ctx, privateMessageID(1001, 42, "b@x.com"))
	d.Handle(ctx, privateMessageID(1001, 42, "b@x.com")) // redelivery

	sess := sessions.Get(42)
	if sess == nil || sess.attempts != 1 {
		t.Fatal("redelivered update consumed a second attempt")
	}
	retries := 0
	for _, m := range tg.sent[42] {
		if m == "RETRY" {
			retries++
		}
	}
	if retries != 1 {
		t.Errorf("RETRY sent %d times, want 1", retries)
	}

	// A genuinely new reply still counts.
	d.Handle(ctx, privateMessageID(1002, 42, "c@x.com"))
	if len(tg.declined) != 1 {
		t.Errorf("fresh reply after redelivery not processed: %v", tg.declined)
	}
}

// Replies and the staleness reaper touch sessions from different
// goroutines; this must hold up under the race detector.
func TestConcurrentRepliesAndReaper(t *testing.T) {
	env := newTestEnv(t)
	d, sessions := env.d, env.sessions
	ctx := context.Background()

	d.Handle(ctx, joinRequest(-100500, 42))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			// Invalid input: exercises the reply path without
			// consuming attempts.
			d.Handle(ctx, privateMessage(42, "not-an-email"))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			sessions.Reap(time.Now(), time.Hour)
		}
	}()
	wg.Wait()

	if sess := sessions.Get(42); sess == nil || sess.attempts != 0 {
		t.Error("session lost or attempts consumed during concurrent access")
	}
}

func TestReloadCommand(t *testing.T) {
	env := newTestEnv(t)
	d, tg, cfg := env.d, env.tg, env.cfg
	ctx := context.Background()

	d.Handle(ctx, privateMessage(1, "/reload"))
	if got := tg.lastTo(1); got != "Forbidden." {
		t.Fatalf("non-admin reload: %q", got)
	}

	// Rewrite the config file, then reload as admin.
	if err := os.WriteFile(env.cfgPath, []byte(strings.Replace(testYAML, `"04:00"`, `"05:00"`, 1)), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	d.Handle(ctx, privateMessage(99, "/reload"))
	if got := tg.lastTo(99); got != "Configuration reloaded." {
		t.Fatalf("admin reload reply: %q", got)
	}
	if cfg.Current().SweepTime != "05:00" {
		t.Errorf("reload did not swap snapshot: %q", cfg.Current().SweepTime)
	}
}
