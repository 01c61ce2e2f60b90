// Package ws pushes lobby and game snapshots to browsers and accepts their
// commands over the same connection.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/saksicipatron/patron-server/internal/engine"
	"github.com/saksicipatron/patron-server/internal/lobby"
	"github.com/saksicipatron/patron-server/internal/realtime"
	"github.com/saksicipatron/patron-server/internal/session"
	"github.com/saksicipatron/patron-server/internal/types"
)

const (
	writeTimeout = 3 * time.Second
	pingInterval = 30 * time.Second
	pingTimeout  = 10 * time.Second
	replyBuffer  = 8
)

var errNoPlayer = errors.New("playerId query parameter required")

type Handler struct {
	lobbies   *lobby.Service
	sessions  *session.Manager
	log       *zap.Logger
	origins   []string
	sliceRate rate.Limit
}

// NewHandler accepts browsers from origins (host patterns, empty means same
// origin only) and lets each connection write its slice at most
// slicesPerSecond times a second; faster updates are merged, latest wins.
func NewHandler(lobbies *lobby.Service, sessions *session.Manager, log *zap.Logger, origins []string, slicesPerSecond float64) *Handler {
	limit := rate.Limit(slicesPerSecond)
	if slicesPerSecond <= 0 {
		limit = rate.Inf
	}
	return &Handler{
		lobbies:   lobbies,
		sessions:  sessions,
		log:       log,
		origins:   origins,
		sliceRate: limit,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/lobbies", h.OpenLobbies)
	r.Get("/ws/lobbies/{id}", h.Lobby)
	r.Get("/ws/games/{id}", h.Game)
}

func (h *Handler) accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
}

// OpenLobbies streams the joinable lobby list. Client messages are ignored.
func (h *Handler) OpenLobbies(w http.ResponseWriter, r *http.Request) {
	conn, err := h.accept(w, r)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	feed, err := h.lobbies.SubscribeOpenLobbies(r.Context())
	if err != nil {
		h.log.Error("subscribe open lobbies failed", zap.Error(err))
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer feed.Unsubscribe()

	serve(r.Context(), conn, feed, func(open []engine.Lobby) (types.ServerMessage, bool) {
		return types.ServerMessage{Type: types.MsgOpenLobbies, Lobbies: open}, false
	}, nil)
}

// Lobby streams one lobby and applies the connected player's commands to it.
func (h *Handler) Lobby(w http.ResponseWriter, r *http.Request) {
	lobbyID := chi.URLParam(r, "id")
	playerID := r.URL.Query().Get("playerId")

	if _, err := h.lobbies.GetLobby(r.Context(), lobbyID); err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	conn, err := h.accept(w, r)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	feed, err := h.lobbies.SubscribeLobby(r.Context(), lobbyID)
	if err != nil {
		h.log.Error("subscribe lobby failed", zap.String("lobby_id", lobbyID), zap.Error(err))
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer feed.Unsubscribe()

	serve(r.Context(), conn, feed, func(u lobby.Update) (types.ServerMessage, bool) {
		if u.Deleted {
			return types.ServerMessage{Type: types.MsgLobbyDeleted, Version: u.Version}, true
		}
		return types.ServerMessage{Type: types.MsgLobbySnapshot, Version: u.Version, Lobby: &u.Lobby}, false
	}, func(ctx context.Context, cm types.ClientMessage) error {
		if playerID == "" {
			return errNoPlayer
		}
		return h.lobbyCommand(ctx, lobbyID, playerID, cm)
	})
}

func (h *Handler) lobbyCommand(ctx context.Context, lobbyID, playerID string, cm types.ClientMessage) error {
	switch cm.Type {
	case types.MsgSetReady:
		return h.lobbies.SetPlayerReady(ctx, lobbyID, playerID, cm.Ready)
	case types.MsgUpdateSettings:
		if cm.Settings == nil {
			return engine.ErrInvalidSettings
		}
		return h.lobbies.UpdateLobbySettings(ctx, lobbyID, playerID, *cm.Settings)
	case types.MsgLeave:
		return h.lobbies.LeaveLobby(ctx, lobbyID, playerID)
	case types.MsgStartGame:
		_, err := h.sessions.StartGame(ctx, lobbyID, playerID)
		return err
	default:
		return engine.ErrUnsupportedCommand
	}
}

// Game streams the game record. With a playerId the connection may also
// write that player's slice, and only that slice.
func (h *Handler) Game(w http.ResponseWriter, r *http.Request) {
	lobbyID := chi.URLParam(r, "id")
	playerID := r.URL.Query().Get("playerId")

	if _, err := h.sessions.GetGame(r.Context(), lobbyID); err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	conn, err := h.accept(w, r)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	feed, err := h.sessions.SubscribeGame(ctx, lobbyID)
	if err != nil {
		h.log.Error("subscribe game failed", zap.String("lobby_id", lobbyID), zap.Error(err))
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer feed.Unsubscribe()

	var slices *sliceMailbox
	if playerID != "" {
		slices = newSliceMailbox()
		defer slices.close()
	}

	render := func(u session.GameUpdate) (types.ServerMessage, bool) {
		if u.Deleted {
			return types.ServerMessage{Type: types.MsgGameDeleted, Version: u.Version}, true
		}
		return types.ServerMessage{Type: types.MsgGameSnapshot, Version: u.Version, Game: &u.Game}, false
	}
	handle := func(ctx context.Context, cm types.ClientMessage) error {
		if cm.Type != types.MsgUpdateSlice {
			return engine.ErrUnsupportedCommand
		}
		if slices == nil {
			return errNoPlayer
		}
		slices.put(session.SliceUpdate{
			Score:          cm.Score,
			EmployeesHit:   cm.EmployeesHit,
			TotalEmployees: cm.TotalEmployees,
			Finished:       cm.Finished,
		})
		return nil
	}

	serveWith(ctx, conn, feed, render, handle, func(ctx context.Context, reply func(types.ServerMessage)) {
		if slices != nil {
			h.pumpSlices(ctx, lobbyID, playerID, slices, reply)
		}
	})
}

// pumpSlices writes queued slice updates no faster than the rate limit.
func (h *Handler) pumpSlices(ctx context.Context, lobbyID, playerID string, mb *sliceMailbox, reply func(types.ServerMessage)) {
	limiter := rate.NewLimiter(h.sliceRate, 1)
	var writer *session.SliceWriter

	for {
		u, ok := mb.next(ctx)
		if !ok {
			return
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		// Wait may have let newer updates arrive; send the latest.
		if newer, ok := mb.take(); ok {
			u = newer
		}

		if writer == nil {
			w, err := h.sessions.Writer(ctx, lobbyID, playerID)
			if err != nil {
				reply(errorMessage(err))
				continue
			}
			writer = w
		}
		if _, err := writer.Write(ctx, u); err != nil {
			h.log.Debug("slice write rejected", zap.String("lobby_id", lobbyID), zap.String("player_id", playerID), zap.Error(err))
			reply(errorMessage(err))
		}
	}
}

func serve[T any](ctx context.Context, conn *websocket.Conn, feed *realtime.Feed[T], render func(T) (types.ServerMessage, bool), handle func(context.Context, types.ClientMessage) error) {
	serveWith(ctx, conn, feed, render, handle, nil)
}

// serveWith runs one connection: a writer goroutine owns every write, the
// calling goroutine reads. extra, when set, runs alongside until the
// connection ends. A render that reports last ends the connection after
// that message.
func serveWith[T any](
	ctx context.Context,
	conn *websocket.Conn,
	feed *realtime.Feed[T],
	render func(T) (types.ServerMessage, bool),
	handle func(context.Context, types.ClientMessage) error,
	extra func(ctx context.Context, reply func(types.ServerMessage)),
) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	replies := make(chan types.ServerMessage, replyBuffer)
	reply := func(m types.ServerMessage) {
		select {
		case replies <- m:
		default: // a client that ignores its errors loses some
		}
	}

	// Writer goroutine
	go func() {
		defer cancel()
		for {
			var msg types.ServerMessage
			last := false
			select {
			case <-ctx.Done():
				return
			case v, ok := <-feed.C:
				if !ok {
					return
				}
				msg, last = render(v)
			case msg = <-replies:
			}
			if err := write(ctx, conn, msg); err != nil {
				return
			}
			if last {
				conn.Close(websocket.StatusNormalClosure, "gone")
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pctx, pcancel := context.WithTimeout(ctx, pingTimeout)
				err := conn.Ping(pctx)
				pcancel()
				if err != nil {
					cancel()
					return
				}
			}
		}
	}()

	if extra != nil {
		go extra(ctx, reply)
	}

	// Reader loop
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if handle == nil {
			continue
		}

		var cm types.ClientMessage
		if err := json.Unmarshal(data, &cm); err != nil {
			reply(types.ServerMessage{Type: types.MsgError, Error: "bad json"})
			continue
		}
		if err := handle(ctx, cm); err != nil {
			reply(errorMessage(err))
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, msg types.ServerMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, payload)
}

func errorMessage(err error) types.ServerMessage {
	return types.ServerMessage{Type: types.MsgError, Error: err.Error()}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, lobby.ErrNotFound), errors.Is(err, session.ErrGameNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
