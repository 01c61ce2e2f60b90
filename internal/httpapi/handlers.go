package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/saksicipatron/patron-server/internal/engine"
	"github.com/saksicipatron/patron-server/internal/lobby"
	"github.com/saksicipatron/patron-server/internal/realtime"
	"github.com/saksicipatron/patron-server/internal/scores"
	"github.com/saksicipatron/patron-server/internal/session"
	"github.com/saksicipatron/patron-server/pkg/types"
)

const maxBodyBytes = 64 << 10

var errBadRequest = errors.New("bad request")

type Handler struct {
	lobbies  *lobby.Service
	sessions *session.Manager
	scores   *scores.Service
	log      *zap.Logger
}

func NewHandler(lobbies *lobby.Service, sessions *session.Manager, scoreSvc *scores.Service, log *zap.Logger) *Handler {
	return &Handler{lobbies: lobbies, sessions: sessions, scores: scoreSvc, log: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", Healthz)

	r.Route("/lobbies", func(r chi.Router) {
		r.Post("/", h.createLobby)
		r.Get("/", h.listLobbies)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getLobby)
			r.Post("/join", h.joinLobby)
			r.Post("/leave", h.leaveLobby)
			r.Post("/ready", h.setReady)
			r.Put("/settings", h.updateSettings)
			r.Post("/start", h.startGame)
			r.Post("/close", h.closeLobby)
		})
	})

	r.Route("/games/{id}", func(r chi.Router) {
		r.Get("/", h.getGame)
		r.Put("/players/{playerId}", h.writeSlice)
		r.Post("/finish", h.finishGame)
	})

	r.Get("/scores", h.leaderboard)
	r.Post("/scores", h.submitScore)
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) createLobby(w http.ResponseWriter, r *http.Request) {
	var req types.CreateLobbyRequest
	if !h.decode(w, r, &req) {
		return
	}
	id, err := h.lobbies.CreateLobby(r.Context(), req.HostID, req.HostName, req.Name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, types.CreateLobbyResponse{ID: id})
}

func (h *Handler) listLobbies(w http.ResponseWriter, r *http.Request) {
	open, err := h.lobbies.GetAvailableLobbies(r.Context())
	if err != nil {
		// Discovery degrades to an empty list; the client polls again.
		h.log.Error("listing lobbies failed", zap.Error(err))
		open = []engine.Lobby{}
	}
	writeJSON(w, http.StatusOK, types.LobbiesResponse{Lobbies: open})
}

func (h *Handler) getLobby(w http.ResponseWriter, r *http.Request) {
	l, err := h.lobbies.GetLobby(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *Handler) joinLobby(w http.ResponseWriter, r *http.Request) {
	var req types.JoinLobbyRequest
	if !h.decode(w, r, &req) {
		return
	}
	joined, err := h.lobbies.JoinLobby(r.Context(), chi.URLParam(r, "id"), req.PlayerID, req.PlayerName)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.JoinLobbyResponse{Joined: joined})
}

func (h *Handler) leaveLobby(w http.ResponseWriter, r *http.Request) {
	var req types.PlayerRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.done(w, r, h.lobbies.LeaveLobby(r.Context(), chi.URLParam(r, "id"), req.PlayerID))
}

func (h *Handler) setReady(w http.ResponseWriter, r *http.Request) {
	var req types.ReadyRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.done(w, r, h.lobbies.SetPlayerReady(r.Context(), chi.URLParam(r, "id"), req.PlayerID, req.Ready))
}

func (h *Handler) updateSettings(w http.ResponseWriter, r *http.Request) {
	var req types.SettingsRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.done(w, r, h.lobbies.UpdateLobbySettings(r.Context(), chi.URLParam(r, "id"), req.PlayerID, req.Settings))
}

func (h *Handler) closeLobby(w http.ResponseWriter, r *http.Request) {
	var req types.PlayerRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.done(w, r, h.lobbies.CloseLobby(r.Context(), chi.URLParam(r, "id"), req.PlayerID))
}

func (h *Handler) startGame(w http.ResponseWriter, r *http.Request) {
	var req types.PlayerRequest
	if !h.decode(w, r, &req) {
		return
	}
	g, err := h.sessions.StartGame(r.Context(), chi.URLParam(r, "id"), req.PlayerID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (h *Handler) getGame(w http.ResponseWriter, r *http.Request) {
	g, err := h.sessions.GetGame(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *Handler) writeSlice(w http.ResponseWriter, r *http.Request) {
	var req types.SliceRequest
	if !h.decode(w, r, &req) {
		return
	}
	writer, err := h.sessions.Writer(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "playerId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	s, err := writer.Write(r.Context(), session.SliceUpdate(req))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) finishGame(w http.ResponseWriter, r *http.Request) {
	g, err := h.sessions.FinishGame(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *Handler) leaderboard(w http.ResponseWriter, r *http.Request) {
	order, err := scores.ParseOrder(r.URL.Query().Get("order"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.fail(w, r, fmt.Errorf("%w: limit %q", errBadRequest, raw))
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, h.scores.Leaderboard(r.Context(), order, limit))
}

func (h *Handler) submitScore(w http.ResponseWriter, r *http.Request) {
	var req types.ScoreRequest
	if !h.decode(w, r, &req) {
		return
	}
	saved, err := h.scores.Submit(r.Context(), scores.Score{
		PlayerName:   req.PlayerName,
		Score:        req.Score,
		Time:         req.Time,
		Difficulty:   req.Difficulty,
		Combo:        req.Combo,
		Achievements: req.Achievements,
		PlayerCount:  req.PlayerCount,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.fail(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return false
	}
	return true
}

func (h *Handler) done(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, types.ErrorResponse{Error: err.Error()})
}

// StatusFor maps domain errors onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, lobby.ErrNotFound), errors.Is(err, session.ErrGameNotFound), errors.Is(err, realtime.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrNotHost), errors.Is(err, engine.ErrNotInLobby), errors.Is(err, engine.ErrNotInGame):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrLobbyFull),
		errors.Is(err, engine.ErrLobbyNotOpen),
		errors.Is(err, engine.ErrNotWaiting),
		errors.Is(err, engine.ErrNotEnoughPlayers),
		errors.Is(err, engine.ErrPlayersNotReady),
		errors.Is(err, engine.ErrInvalidTransition),
		errors.Is(err, engine.ErrStaleWrite),
		errors.Is(err, engine.ErrSliceFinished),
		errors.Is(err, engine.ErrGameFinished),
		errors.Is(err, engine.ErrNotPlaying),
		errors.Is(err, realtime.ErrAborted):
		return http.StatusConflict
	case errors.Is(err, errBadRequest),
		errors.Is(err, engine.ErrInvalidSettings),
		errors.Is(err, engine.ErrInvalidPlayer),
		errors.Is(err, engine.ErrMalformedRecord),
		errors.Is(err, engine.ErrUnsupportedCommand),
		errors.Is(err, scores.ErrInvalidScore),
		errors.Is(err, realtime.ErrInvalidPath):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
