package bot

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/coursegate/accessbot/internal/config"
	"github.com/coursegate/accessbot/internal/db"
	"github.com/coursegate/accessbot/internal/getcourse"
	"github.com/coursegate/accessbot/internal/services"
)

// Telegram is the slice of the chat platform the dispatcher needs.
type Telegram interface {
	SendMessage(chatID int64, text string) error
	ApproveJoinRequest(chatID, userID int64) error
	DeclineJoinRequest(chatID, userID int64) error
}

// Oracle answers whether an email currently holds any of the given course
// group ids. A transport failure is getcourse.ErrUnavailable, never false.
type Oracle interface {
	IsMember(ctx context.Context, gcGroupIDs []string, email string) (bool, error)
}

type Dispatcher struct {
	tg       Telegram
	oracle   Oracle
	cfg      *config.Controller
	sessions *Sessions
	now      func() time.Time
}

func NewDispatcher(tg Telegram, oracle Oracle, cfg *config.Controller, sessions *Sessions) *Dispatcher {
	return &Dispatcher{tg: tg, oracle: oracle, cfg: cfg, sessions: sessions, now: time.Now}
}

func (d *Dispatcher) Handle(ctx context.Context, u *Update) {
	switch {
	case u.JoinRequest != nil:
		d.handleJoinRequest(u.JoinRequest)
	case u.Message != nil && u.Message.From != nil:
		d.handleMessage(ctx, u.Message, u.UpdateID)
	}
}

func (d *Dispatcher) handleJoinRequest(jr *ChatJoinRequest) {
	if jr.Chat == nil || jr.From == nil {
		return
	}
	rt := d.cfg.Current()
	binding, ok := rt.BindingForChat(jr.Chat.ID)
	if !ok {
		log.Printf("join: chat %d has no binding, ignoring request from %d", jr.Chat.ID, jr.From.ID)
		return
	}
	sess := d.sessions.Start(jr.Chat.ID, jr.From.ID, binding.Key, d.now())
	if sess == nil {
		log.Printf("join: user %d already has an open session, ignoring repeat request", jr.From.ID)
		return
	}
	log.Printf("join: request from %d to chat %d (%s)", jr.From.ID, jr.Chat.ID, binding.Label)

	if err := d.tg.SendMessage(jr.From.ID, rt.Render("hello", nil)); err != nil {
		// The user likely never started the bot; nothing can be asked of
		// them, so the request is left pending on Telegram's side.
		log.Printf("join: prompt to user %d failed: %v", jr.From.ID, err)
		d.sessions.Drop(jr.From.ID)
	}
}

func (d *Dispatcher) handleMessage(ctx context.Context, m *Message, updateID int64) {
	if m.Chat == nil || m.Chat.Type != "private" {
		return
	}
	text := strings.TrimSpace(m.Text)

	if strings.HasPrefix(text, "/reload") {
		d.handleReload(m.From.ID, m.Chat.ID)
		return
	}

	sess := d.sessions.Get(m.From.ID)
	if sess == nil {
		// A reply belonging to no open session is ignored.
		return
	}
	d.handleEmailReply(ctx, sess, updateID, text)
}

func (d *Dispatcher) handleReload(userID, chatID int64) {
	if !d.cfg.Current().IsAdmin(userID) {
		log.Printf("reload: unauthorized attempt by %d", userID)
		_ = d.tg.SendMessage(chatID, "Forbidden.")
		return
	}
	if err := d.cfg.Reload(); err != nil {
		log.Printf("reload: %v", err)
		_ = d.tg.SendMessage(chatID, "Reload failed: "+err.Error())
		return
	}
	log.Printf("reload: configuration updated by %d", userID)
	_ = d.tg.SendMessage(chatID, "Configuration reloaded.")
}

// handleEmailReply runs one attempt of the verification state machine.
// The session mutex serializes replies for one user; different users
// proceed concurrently. Telegram redelivers webhook updates at least
// once, so a reply that overlaps an in-flight verification is dropped
// rather than queued, and a redelivered update id is ignored — neither
// may consume a second attempt.
func (d *Dispatcher) handleEmailReply(ctx context.Context, sess *session, updateID int64, text string) {
	if !sess.mu.TryLock() {
		log.Printf("verify: user %d already has a verification in flight, dropping reply", sess.userID)
		return
	}
	defer sess.mu.Unlock()
	if sess.done.Load() {
		return
	}
	if updateID != 0 && updateID == sess.lastUpdate {
		return
	}
	sess.lastUpdate = updateID
	sess.lastSeen.Store(d.now().UnixNano())

	rt := d.cfg.Current()
	userID, chatID := sess.userID, sess.chatID

	email, err := services.NormEmail(text)
	if err != nil {
		// Not an email at all: re-prompt, attempt not consumed.
		_ = d.tg.SendMessage(userID, rt.Render("invalid", nil))
		return
	}

	inUse, err := db.EmailInUse(email, userID)
	if err != nil {
		log.Printf("verify: duplicate check for %q: %v", email, err)
		_ = d.tg.SendMessage(userID, rt.Render("unavailable", nil))
		return
	}
	if inUse {
		log.Printf("verify: email %q already registered, declining user %d", email, userID)
		if err := d.tg.DeclineJoinRequest(chatID, userID); err != nil {
			log.Printf("verify: decline for %d failed: %v", userID, err)
		}
		_ = d.tg.SendMessage(userID, rt.Render("duplicate", nil))
		d.sessions.Drop(userID)
		return
	}

	binding, ok := rt.BindingForChat(chatID)
	if !ok {
		// The binding vanished in a reload while the session was open.
		log.Printf("verify: chat %d no longer bound, dropping session for %d", chatID, userID)
		d.sessions.Drop(userID)
		return
	}

	member, err := d.oracle.IsMember(ctx, binding.GCGroupIDs, email)
	if errors.Is(err, getcourse.ErrUnavailable) {
		// Unknown answer must not count as a failed attempt.
		log.Printf("verify: oracle unavailable for %q: %v", email, err)
		_ = d.tg.SendMessage(userID, rt.Render("unavailable", nil))
		return
	}
	if err != nil {
		log.Printf("verify: oracle error for %q: %v", email, err)
		_ = d.tg.SendMessage(userID, rt.Render("unavailable", nil))
		return
	}

	if member {
		if err := db.UpsertMember(chatID, userID, email, binding.Key); err != nil {
			// Never approve without the admission on record.
			log.Printf("verify: store admission for %d: %v", userID, err)
			_ = d.tg.SendMessage(userID, rt.Render("unavailable", nil))
			return
		}
		if err := d.tg.ApproveJoinRequest(chatID, userID); err != nil {
			log.Printf("verify: approve for %d in chat %d failed: %v", userID, chatID, err)
			_ = d.tg.SendMessage(userID, rt.Render("unavailable", nil))
			return
		}
		log.Printf("verify: user %d (%s) approved in chat %d", userID, email, chatID)
		_ = d.tg.SendMessage(userID, rt.Render("approved", map[string]string{"email": email}))
		d.sessions.Drop(userID)
		return
	}

	sess.attempts++
	if sess.attempts < rt.MaxAttempts {
		log.Printf("verify: email %q not a member, attempt %d/%d for user %d", email, sess.attempts, rt.MaxAttempts, userID)
		_ = d.tg.SendMessage(userID, rt.Render("retry", nil))
		return
	}

	log.Printf("verify: attempts exhausted for user %d, declining", userID)
	if err := d.tg.DeclineJoinRequest(chatID, userID); err != nil {
		log.Printf("verify: decline for %d failed: %v", userID, err)
	}
	_ = d.tg.SendMessage(userID, rt.Render("declined", nil))
	d.sessions.Drop(userID)
}
