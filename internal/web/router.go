package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/coursegate/accessbot/internal/bot"
	"github.com/coursegate/accessbot/internal/handlers"
)

func Router(webhookSecret string, d *bot.Dispatcher) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handlers.Health)
	r.Post("/tg/webhook", handlers.TelegramWebhook(webhookSecret, d))

	return r
}
