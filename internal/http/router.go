package http

import (
	"net/http"

	"github.com/Fldicoahkiin/cineflow/internal/handlers"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Handlers はルーターに登録するハンドラーの集合
type Handlers struct {
	Status    *handlers.StatusHandler
	Room      *handlers.RoomHandler
	ICE       *handlers.ICEHandler
	WebSocket *handlers.WebSocketHandler
	Metrics   prometheus.Gatherer // nilならメトリクスを公開しない
}

func NewRouter(h Handlers, allowedOrigins []string, log *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(log), middleware.Recoverer)

	r.Use(cors.Handler(corsOptions(allowedOrigins)))

	r.Get("/", h.Status.Root)
	r.Get("/health", h.Status.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
		r.Get("/rooms/{roomId}", h.Room.Get)
		r.Get("/ice-servers", h.ICE.Get)
	})

	if h.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.Metrics, promhttp.HandlerOpts{}))
	}

	// WebSocketエンドポイント
	r.Get("/ws", h.WebSocket.HandleWebSocket)

	return r
}

// corsOptions は許可オリジンが空または"*"の場合、リクエスト元のオリジンをそのまま許可します
func corsOptions(allowedOrigins []string) cors.Options {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	allowAll := len(allowedOrigins) == 0
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
	}
	if allowAll {
		opts.AllowOriginFunc = func(r *http.Request, origin string) bool { return true }
	} else {
		opts.AllowedOrigins = allowedOrigins
	}
	return opts
}
