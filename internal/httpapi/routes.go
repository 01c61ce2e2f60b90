package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/saksicipatron/patron-server/internal/logging"
	"github.com/saksicipatron/patron-server/internal/ws"
)

func SetupRoutes(h *Handler, sockets *ws.Handler, log *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware(log))
	r.Use(middleware.Recoverer)

	h.RegisterRoutes(r)
	sockets.RegisterRoutes(r)
	return r
}
