package main

import (
	"context"
	"errors"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"tilesync.dev/internal/netsync"
	"tilesync.dev/internal/protocol"
	"tilesync.dev/internal/sim/action"
	"tilesync.dev/internal/sim/tick"
	"tilesync.dev/internal/sim/tuning"
	"tilesync.dev/internal/transport/ws"
)

func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name     = flag.String("name", "bot", "player name")
		password = flag.String("password", "", "server password (or TILESYNC_SERVER_PASSWORD)")
		spectate = flag.Bool("spectate", false, "join as a spectator instead of founding a company")
		every    = flag.Int("every", 30, "ticks between actions")
		seed     = flag.Int64("seed", 0, "action rng seed (0: time based)")
		tickRate = flag.Int("tick_rate", 30, "local tick rate in Hz")
		duration = flag.Duration("duration", 0, "leave after this long (0: run until interrupted)")
		envFile  = flag.String("env", ".env", "optional .env file")
		logLevel = flag.String("log_level", "info", "log level")
	)
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000000"})
	if lvl, err := logrus.ParseLevel(*logLevel); err == nil {
		logger.SetLevel(lvl)
	}
	blog := logger.WithField("bot", *name)

	if err := tuning.LoadDotEnv(*envFile); err != nil {
		blog.WithError(err).Fatal("load .env")
	}
	if *password == "" {
		*password = os.Getenv(tuning.EnvPrefix + "SERVER_PASSWORD")
	}
	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	link, err := ws.Dial(ctx, *url)
	if err != nil {
		blog.WithError(err).Fatal("dial")
	}
	defer link.Close()

	playAs := protocol.PlayAsNewCompany
	if *spectate {
		playAs = protocol.PlayAsSpectator
	}
	c := netsync.NewClient(link.Conn, netsync.ClientConfig{
		Name:       *name,
		Password:   *password,
		PlayAs:     playAs,
		TickRateHz: *tickRate,
		Log:        blog,
	})

	b := &bot{rng: rand.New(rand.NewSource(*seed)), every: *every, log: blog}
	c.OnTick = func() { b.tick(c) }
	c.OnExecute = func(cmd tick.Command, cost action.Cost) {
		if !cmd.Mine {
			return
		}
		b.executed++
		if cost.Failed() {
			b.failed++
			blog.WithFields(logrus.Fields{"frame": cmd.Frame, "kind": cmd.Env.Kind.String(), "reason": cost.Reason}).Debug("action failed")
		}
	}

	err = c.Run(ctx, link.In)
	fields := logrus.Fields{"submitted": b.submitted, "executed": b.executed, "failed": b.failed, "frame": c.Frame()}
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		blog.WithFields(fields).Info("bye")
	default:
		if reason := c.CloseReason(); reason != "" {
			fields["reason"] = reason
		}
		blog.WithError(err).WithFields(fields).Error("disconnected")
		os.Exit(1)
	}
}
