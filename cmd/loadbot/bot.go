package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saksicipatron/patron-server/internal/arena"
	"github.com/saksicipatron/patron-server/internal/engine"
	"github.com/saksicipatron/patron-server/internal/types"
)

const (
	frame      = 16 * time.Millisecond
	throwEvery = 400 * time.Millisecond
)

var screen = arena.Bounds{Width: 1280, Height: 800}

var errLobbyGone = errors.New("lobby was removed")

type bot struct {
	api      *client
	id       string
	name     string
	accuracy float64
	rng      *rand.Rand
	log      *zap.Logger
}

func (b *bot) play(ctx context.Context, lobbyID string) error {
	lobbyID, err := b.enter(ctx, lobbyID)
	if err != nil {
		return err
	}
	b.log.Info("in lobby", zap.String("lobby_id", lobbyID))

	difficulty, err := b.waitForStart(ctx, lobbyID)
	if err != nil {
		return err
	}
	return b.playGame(ctx, lobbyID, difficulty)
}

// enter joins lobbyID, or the newest open lobby, or opens a new one.
func (b *bot) enter(ctx context.Context, lobbyID string) (string, error) {
	if lobbyID == "" {
		open, err := b.api.openLobbies(ctx)
		if err != nil {
			return "", err
		}
		if len(open) > 0 {
			lobbyID = open[0].ID
		}
	}
	if lobbyID == "" {
		id, err := b.api.createLobby(ctx, b.id, b.name)
		if err != nil {
			return "", err
		}
		lobbyID = id
	} else if err := b.api.joinLobby(ctx, lobbyID, b.id, b.name); err != nil {
		return "", err
	}
	return lobbyID, b.api.setReady(ctx, lobbyID, b.id)
}

// waitForStart follows the lobby until the game starts. The host starts it
// as soon as the lobby can start.
func (b *bot) waitForStart(ctx context.Context, lobbyID string) (engine.Difficulty, error) {
	conn, err := b.api.dial(ctx, "/ws/lobbies/"+lobbyID, b.id)
	if err != nil {
		return "", err
	}
	defer conn.Close(websocket.StatusNormalClosure, "starting")

	startSent := false
	for {
		msg, err := receive(ctx, conn)
		if err != nil {
			_ = b.api.leave(context.WithoutCancel(ctx), lobbyID, b.id)
			return "", err
		}
		switch msg.Type {
		case types.MsgLobbyDeleted:
			return "", errLobbyGone
		case types.MsgError:
			b.log.Warn("lobby command rejected", zap.String("error", msg.Error))
			continue
		case types.MsgLobbySnapshot:
		default:
			continue
		}

		l := *msg.Lobby
		if l.Status != engine.StatusWaiting {
			return l.Settings.Difficulty, nil
		}
		if l.HostID == b.id && engine.CanStart(l) && len(l.Players) >= engine.MinPlayersToStart && !startSent {
			if err := send(ctx, conn, types.ClientMessage{Type: types.MsgStartGame}); err != nil {
				return "", err
			}
			startSent = true
		}
	}
}

func (b *bot) playGame(ctx context.Context, lobbyID string, difficulty engine.Difficulty) error {
	conn, err := b.api.dialUntilFound(ctx, "/ws/games/"+lobbyID, b.id, 10, 100*time.Millisecond)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// Wait out the countdown.
	var game engine.GameState
	for game.Status != engine.GamePlaying {
		msg, err := receive(ctx, conn)
		if err != nil {
			return err
		}
		if msg.Type == types.MsgGameDeleted {
			return errLobbyGone
		}
		if msg.Game != nil {
			game = *msg.Game
		}
		if game.Status == engine.GameFinished {
			return b.report(game)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	gctx, stopThrowing := context.WithCancel(gctx)
	final := make(chan engine.GameState, 1)

	g.Go(func() error {
		defer stopThrowing()
		for {
			msg, err := receive(gctx, conn)
			if err != nil {
				return err
			}
			if msg.Type == types.MsgGameDeleted {
				return errLobbyGone
			}
			if msg.Game != nil && msg.Game.Status == engine.GameFinished {
				final <- *msg.Game
				return nil
			}
		}
	})
	g.Go(func() error {
		err := b.throwAll(gctx, conn, game, difficulty)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return b.report(<-final)
}

// throwAll simulates the local game and mirrors the score after every hit.
func (b *bot) throwAll(ctx context.Context, conn *websocket.Conn, game engine.GameState, difficulty engine.Difficulty) error {
	total := game.Players[b.id].TotalEmployees
	field := arena.NewField(screen, arena.DifficultyMotion(difficulty), arena.Roster(nil, total, screen, b.rng))

	ticker := time.NewTicker(frame)
	defer ticker.Stop()
	start := time.Now()
	var lastThrow time.Duration

	for !field.Cleared() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		elapsed := time.Since(start)
		t := time.Now().UnixMilli()

		if len(field.Pots) == 0 && elapsed-lastThrow >= throwEvery {
			field.Throw(b.aim(field, t), 1)
			lastThrow = elapsed
		}
		if hits := field.Tick(t); len(hits) > 0 {
			err := send(ctx, conn, types.ClientMessage{
				Type:           types.MsgUpdateSlice,
				Score:          field.Score,
				EmployeesHit:   field.HitCount(),
				TotalEmployees: total,
				Finished:       field.Cleared(),
			})
			if err != nil {
				return err
			}
		}
	}
	b.log.Info("cleared the office", zap.Int("score", field.Score), zap.Duration("elapsed", time.Since(start)))
	<-ctx.Done()
	return ctx.Err()
}

// aim picks a target for a full power throw. A well aimed throw leads for
// gravity; the rest scatter.
func (b *bot) aim(f *arena.Field, t int64) arena.Point {
	target := -1
	for i, e := range f.Employees {
		if !e.Hit {
			target = i
			break
		}
	}
	if target < 0 {
		return f.Launcher()
	}
	p := f.AimAt(target, t)
	if b.rng.Float64() < b.accuracy {
		from := f.Launcher()
		dx, dy := p.X-from.X, p.Y-from.Y
		speed := arena.BaseSpeed + arena.PowerSpeed
		framesSq := (dx*dx + dy*dy) / (speed * speed)
		p.Y -= 0.5 * arena.Gravity * framesSq
		return p
	}
	p.X += (b.rng.Float64() - 0.5) * 200
	p.Y += (b.rng.Float64() - 0.5) * 200
	return p
}

func (b *bot) report(g engine.GameState) error {
	me := g.Players[b.id]
	result := "lost"
	if g.WinnerID == b.id {
		result = "won"
	}
	b.log.Info("game over",
		zap.String("result", result),
		zap.String("winner_id", g.WinnerID),
		zap.Int("score", me.Score),
		zap.Int("hit", me.EmployeesHit))
	if me.ID == "" {
		return fmt.Errorf("bot %s missing from game %s", b.id, g.LobbyID)
	}
	return nil
}
