package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"sealed_chat/internal/auth"
	"sealed_chat/internal/config"
	"sealed_chat/internal/metrics"
	"sealed_chat/internal/repository"
	"sealed_chat/internal/service/messaging"
	"sealed_chat/internal/utils/log"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	challengeTTL    = time.Minute
	shutdownTimeout = 10 * time.Second
)

type (
	Deps struct {
		Users      repository.Users
		Chats      repository.Chats
		Messages   repository.Messages
		Hub        *Hub
		Engine     *messaging.Engine
		Issuer     *auth.Issuer
		Challenges ChallengeStore
		Metrics    *metrics.Metrics
		Gatherer   prometheus.Gatherer
	}

	HttpServer struct {
		addr     string
		upgrader websocket.Upgrader
		rps      rate.Limit
		burst    int

		users      repository.Users
		chats      repository.Chats
		messages   repository.Messages
		hub        *Hub
		engine     *messaging.Engine
		issuer     *auth.Issuer
		challenges ChallengeStore
		metrics    *metrics.Metrics
		gatherer   prometheus.Gatherer

		// base is the parent of every connection's context
		base context.Context
	}
)

func NewHttpServer(cfg *config.Config, deps Deps) *HttpServer {
	s := &HttpServer{
		addr:       cfg.HTTP.Addr,
		rps:        rate.Limit(cfg.RateLimit.RPS),
		burst:      cfg.RateLimit.Burst,
		users:      deps.Users,
		chats:      deps.Chats,
		messages:   deps.Messages,
		hub:        deps.Hub,
		engine:     deps.Engine,
		issuer:     deps.Issuer,
		challenges: deps.Challenges,
		metrics:    deps.Metrics,
		gatherer:   deps.Gatherer,
		base:       context.Background(),
	}
	if s.challenges == nil {
		s.challenges = NewMemChallenges()
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: originChecker(cfg.HTTP.AllowedOrigins),
	}
	return s
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func (s *HttpServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/ws", s.HandleWS()).Methods(http.MethodGet)
	r.HandleFunc("/health", s.Health()).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/users", s.Register()).Methods(http.MethodPost)
	r.HandleFunc("/users/me", s.authenticated(s.Me())).Methods(http.MethodGet)
	r.HandleFunc("/users/{id}/key", s.GetKeyByID()).Methods(http.MethodGet)
	r.HandleFunc("/keys/{name}", s.GetKeyByName()).Methods(http.MethodGet)

	r.HandleFunc("/sessions/challenge", s.IssueChallenge()).Methods(http.MethodPost)
	r.HandleFunc("/sessions", s.OpenSession()).Methods(http.MethodPost)

	r.HandleFunc("/chats", s.authenticated(s.CreateChat())).Methods(http.MethodPost)
	r.HandleFunc("/chats", s.authenticated(s.ListChats())).Methods(http.MethodGet)
	r.HandleFunc("/chats/{id}", s.authenticated(s.GetChat())).Methods(http.MethodGet)
	r.HandleFunc("/chats/{id}/messages", s.authenticated(s.GetMessages())).Methods(http.MethodGet)
	return r
}

// Run serves until ctx is cancelled, then drains connections.
func (s *HttpServer) Run(ctx context.Context) error {
	s.base = ctx
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.hub.Run(ctx)
	})
	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", s.addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *HttpServer) HandleWS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.issuer.Verify(auth.FromRequest(r))
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
			return
		}

		c := newConn(ws, userID, rate.NewLimiter(s.rps, s.burst))
		s.hub.register(c)
		s.hub.Join(c, messaging.UserRoom(userID))
		log.Info("client connected", zap.String("user_id", userID), zap.String("conn_id", c.id))

		go c.writePump()
		go c.readPump(s.base, s.hub, s.handleFrame)
	}
}

func (s *HttpServer) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
