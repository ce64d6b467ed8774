package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/coursegate/accessbot/internal/bot"
)

// TelegramWebhook decodes bot updates and hands them to the dispatcher.
// Simple secret check: /tg/webhook?secret=...
func TelegramWebhook(secret string, d *bot.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("secret") != secret {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		defer r.Body.Close()
		b, _ := io.ReadAll(r.Body)

		var up bot.Update
		if err := json.Unmarshal(b, &up); err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		d.Handle(r.Context(), &up)
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	}
}
