package sweep

import (
	"context"
	"log"
	"time"

	"github.com/coursegate/accessbot/internal/config"
	"github.com/coursegate/accessbot/internal/db"
)

// Sender delivers one text message to one chat.
type Sender interface {
	SendMessage(chatID int64, text string) error
}

// Notifier drains the day's pending eviction notifications and delivers
// them at a bounded rate.
type Notifier struct {
	tg    Sender
	cfg   *config.Controller
	now   func() time.Time
	pause func(time.Duration)
}

func NewNotifier(tg Sender, cfg *config.Controller) *Notifier {
	return &Notifier{tg: tg, cfg: cfg, now: time.Now, pause: time.Sleep}
}

// Run sends due notifications in creation order. Each row is marked
// delivered right after its send succeeds, before the next row is touched,
// so a mid-run crash never re-sends on resume. A failed send stays queued
// for the next day's run without blocking the rest.
func (n *Notifier) Run(ctx context.Context) {
	rt := n.cfg.Current()
	today := n.now().In(rt.Location()).Format("2006-01-02")

	due, err := db.DrainDue(today)
	if err != nil {
		log.Printf("notify: drain: %v", err)
		return
	}
	if len(due) == 0 {
		return
	}
	log.Printf("notify: %d notifications due", len(due))

	for i, row := range due {
		if ctx.Err() != nil {
			return
		}
		if i > 0 {
			n.pause(time.Duration(rt.SendInterval))
		}
		text := rt.Render(row.TemplateKey, nil)
		if err := n.tg.SendMessage(row.UserID, text); err != nil {
			log.Printf("notify: send to user %d: %v", row.UserID, err)
			continue
		}
		if err := db.MarkDelivered(row.ID); err != nil {
			// Sent but unrecorded: the row will be re-sent tomorrow.
			// At-least-once is the contract.
			log.Printf("notify: mark %d delivered: %v", row.ID, err)
			continue
		}
		log.Printf("notify: delivered notification %d to user %d", row.ID, row.UserID)
	}
}
