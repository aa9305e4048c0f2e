// cmd/bot/main.go
package main

import (
	"context"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thboss/pugbot/internal/config"
	"github.com/thboss/pugbot/internal/database"
	"github.com/thboss/pugbot/internal/gateway"
	"github.com/thboss/pugbot/internal/league"
	"github.com/thboss/pugbot/internal/lobby"
	"github.com/thboss/pugbot/internal/match"
	"github.com/thboss/pugbot/internal/protocol"
	"github.com/thboss/pugbot/internal/queuestore"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := database.Connect(ctx, cfg.PostgresURL())
	if err != nil {
		log.WithError(err).Fatal("failed to connect to postgres")
	}
	defer store.Close()

	queues, err := queuestore.Connect(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to redis")
	}

	api := league.New(cfg.LeagueURL, log)
	router := protocol.NewRouter()

	bot, err := gateway.NewBot(cfg.DiscordToken, log, router)
	if err != nil {
		log.WithError(err).Fatal("failed to create discord session")
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	monitor := match.NewMonitor(ctx, log, store, api, bot,
		time.Duration(cfg.MonitorIntervalSec)*time.Second)
	starter := match.NewStarter(log, bot, api, store, router, rng, monitor)
	orchestrator := lobby.NewOrchestrator(log, store, queues, starter, bot, router)

	bot.OnPresence = func(ev gateway.PresenceUpdate) {
		go orchestrator.HandlePresence(ctx, ev)
	}

	if err := bot.Start(); err != nil {
		log.WithError(err).Fatal("failed to connect to discord")
	}
	defer bot.Stop()

	go orchestrator.RunUnbanSweep(ctx, time.Duration(cfg.UnbanSweepSec)*time.Second)
	monitor.Ensure()

	log.Info("bot is running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
}
