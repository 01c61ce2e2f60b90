// Command loadbot is a headless player: it finds or opens a lobby, readies up,
// and plays one match against the server over HTTP and websockets.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saksicipatron/patron-server/internal/logging"
)

func main() {
	var opts options
	flag.StringVar(&opts.server, "server", "http://localhost:8080", "server base URL")
	flag.StringVar(&opts.name, "name", "Bot", "display name")
	flag.StringVar(&opts.lobbyID, "lobby", "", "lobby to join; empty joins any open lobby or opens one")
	flag.IntVar(&opts.players, "players", 1, "bots to run in parallel")
	flag.Float64Var(&opts.accuracy, "accuracy", 0.35, "chance in [0,1] that a throw is aimed well")
	flag.StringVar(&opts.logLevel, "log-level", "info", "log level")
	flag.Parse()

	log, err := logging.New(opts.logLevel, "console")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for i := range opts.players {
		name := opts.name
		if opts.players > 1 {
			name = fmt.Sprintf("%s %d", opts.name, i+1)
		}
		b := &bot{
			api:      newClient(opts.server),
			id:       uuid.NewString(),
			name:     name,
			accuracy: opts.accuracy,
			rng:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(i))),
			log:      log.With(zap.String("bot", name)),
		}
		g.Go(func() error { return b.play(gctx, opts.lobbyID) })
		// Stagger so the first bot opens a lobby the next one can find.
		time.Sleep(200 * time.Millisecond)
	}
	if err := g.Wait(); err != nil {
		log.Error("bot failed", zap.Error(err))
		os.Exit(1)
	}
}

type options struct {
	server   string
	name     string
	lobbyID  string
	players  int
	accuracy float64
	logLevel string
}
