package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/coursegate/accessbot/internal/bot"
	"github.com/coursegate/accessbot/internal/config"
	"github.com/coursegate/accessbot/internal/db"
	"github.com/coursegate/accessbot/internal/getcourse"
	"github.com/coursegate/accessbot/internal/sweep"
	"github.com/coursegate/accessbot/internal/web"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	settings, err := config.ParseSettings()
	if err != nil {
		log.Fatalf("settings: %v", err)
	}
	cfg, err := config.Load(settings.ConfigPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := db.Init(settings.DBPath); err != nil {
		log.Fatalf("db init: %v", err)
	}

	tg := bot.NewClient(settings.BotToken)
	oracle := getcourse.New(settings.GCAPIKey, settings.GCBaseURL)

	ctx := context.Background()
	sessions := bot.NewSessions()
	sessions.StartReaper(ctx, func() time.Duration { return time.Duration(cfg.Current().SessionTimeout) })

	dispatcher := bot.NewDispatcher(tg, oracle, cfg, sessions)
	sweep.StartDailyJobs(ctx, cfg, sweep.NewSweeper(oracle, tg, cfg), sweep.NewNotifier(tg, cfg))

	rt := cfg.Current()
	log.Printf("accessbot: %d bindings, sweep %s / dispatch %s (%s)", len(rt.Bindings), rt.SweepTime, rt.DispatchTime, rt.Timezone)
	if err := http.ListenAndServe(settings.Addr, web.Router(settings.WebhookSecret, dispatcher)); err != nil {
		log.Fatal(err)
	}
}
