package sweep

import (
	"context"
	"log"
	"time"

	"github.com/coursegate/accessbot/internal/config"
	"github.com/coursegate/accessbot/internal/db"
)

// GroupLister is the oracle slice the sweep needs: one member-email export
// per course group per pass.
type GroupLister interface {
	MemberEmails(ctx context.Context, groupID string) ([]string, error)
}

// Kicker removes a user from a chat.
type Kicker interface {
	RemoveMember(chatID, userID int64) error
}

// Sweeper re-verifies every admitted member once a day and evicts those who
// lost course access.
type Sweeper struct {
	oracle GroupLister
	tg     Kicker
	cfg    *config.Controller
	now    func() time.Time
}

func NewSweeper(oracle GroupLister, tg Kicker, cfg *config.Controller) *Sweeper {
	return &Sweeper{oracle: oracle, tg: tg, cfg: cfg, now: time.Now}
}

// Run processes every binding against one membership snapshot per binding.
// Per-member failures are logged and retried on the next day's pass; they
// never abort the rest of the sweep.
func (s *Sweeper) Run(ctx context.Context) {
	rt := s.cfg.Current()
	today := s.now().In(rt.Location()).Format("2006-01-02")
	log.Printf("sweep: starting daily pass for %d bindings", len(rt.Bindings))

	for _, b := range rt.Bindings {
		set, err := s.memberSet(ctx, b)
		if err != nil {
			// An incomplete snapshot would evict members of the group
			// that failed to export; skip the whole binding instead.
			log.Printf("sweep: %s: membership fetch failed, skipping: %v", b.Key, err)
			continue
		}

		members, err := db.MembersByChat(b.ChatID)
		if err != nil {
			log.Printf("sweep: %s: list members: %v", b.Key, err)
			continue
		}
		log.Printf("sweep: %s: %d admitted, %d emails in course groups", b.Key, len(members), len(set))

		for _, m := range members {
			if set[m.Email] {
				continue
			}
			if err := s.tg.RemoveMember(m.ChatID, m.UserID); err != nil {
				// Still admitted in the store; next pass retries.
				log.Printf("sweep: %s: remove user %d from chat %d: %v", b.Key, m.UserID, m.ChatID, err)
				continue
			}
			if err := db.EvictMember(m.ChatID, m.UserID, "expired", today); err != nil {
				// Row survives, so the next pass re-kicks (harmless) and
				// retries the eviction record.
				log.Printf("sweep: %s: record eviction of user %d: %v", b.Key, m.UserID, err)
				continue
			}
			log.Printf("sweep: %s: evicted user %d (%s) from chat %d", b.Key, m.UserID, m.Email, m.ChatID)
		}
	}
	log.Println("sweep: daily pass done")
}

// memberSet unions the email exports of all course groups behind a binding.
// Any group failing fails the whole set.
func (s *Sweeper) memberSet(ctx context.Context, b config.Binding) (map[string]bool, error) {
	set := make(map[string]bool)
	for _, gid := range b.GCGroupIDs {
		emails, err := s.oracle.MemberEmails(ctx, gid)
		if err != nil {
			return nil, err
		}
		for _, e := range emails {
			set[e] = true
		}
	}
	return set, nil
}
