package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"homebox/internal/auth"
	"homebox/internal/config"
	"homebox/internal/power"
	"homebox/internal/router"
	"homebox/internal/status"
)

type Options struct {
	Config config.Config
	Store  *status.Store
	// Static serves the UI. Nil disables static files.
	Static   afero.Fs
	Token    auth.Token
	Shutdown power.Action
	Restart  power.Action
	Logger   logrus.FieldLogger
}

// Server exposes installer status to the local UI.
type Server struct {
	cfg    config.Config
	store  *status.Store
	token  auth.Token
	log    logrus.FieldLogger
	router *router.Server

	shutdown power.Action
	restart  power.Action

	// background runs power actions after the response is written.
	background func(func())
}

func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("httpserver: status store is required")
	}
	if opts.Shutdown == nil || opts.Restart == nil {
		return nil, errors.New("httpserver: power actions are required")
	}
	if opts.Token.String() == "" {
		return nil, errors.New("httpserver: token is required")
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		cfg:        opts.Config,
		store:      opts.Store,
		token:      opts.Token,
		log:        log,
		shutdown:   opts.Shutdown,
		restart:    opts.Restart,
		background: func(f func()) { go f() },
	}
	s.router = router.New(router.Options{
		Static:   opts.Static,
		Envelope: router.Envelope(opts.Config.Envelope),
		NotFound: router.NotFound(opts.Config.NotFound),
		MaxConns: opts.Config.MaxConns,
		Logger:   log,
		Middleware: []func(http.Handler) http.Handler{
			withHeaders,
		},
	})
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.router.Get("/healthz", func(ctx context.Context, req *router.Request) (any, error) {
		return "ok", nil
	})
	s.router.Get("/status", s.handleStatus)
	s.router.Get("/status/errors", s.handleStatusErrors)
	s.router.Get("/token", func(ctx context.Context, req *router.Request) (any, error) {
		return s.token.String(), nil
	})
	s.router.Post("/shutdown", s.requireUser, s.requireToken, s.powerHandler("shutdown", s.shutdown))
	s.router.Post("/restart", s.requireUser, s.requireToken, s.powerHandler("restart", s.restart))
}

func (s *Server) Handler() http.Handler {
	return s.router.Handler()
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	return s.router.ListenAndServe(ctx, addr)
}

// --- handlers ---

func (s *Server) handleStatus(ctx context.Context, req *router.Request) (any, error) {
	return s.store.Parse()
}

func (s *Server) handleStatusErrors(ctx context.Context, req *router.Request) (any, error) {
	errored, err := s.store.ContainsErrors()
	if err != nil {
		return nil, err
	}
	return map[string]bool{"errored": errored}, nil
}

type tokenBody struct {
	Token string `json:"token"`
}

func (s *Server) requireToken(ctx context.Context, req *router.Request) (any, error) {
	// An undecodable body carries no usable token.
	var body tokenBody
	_ = req.Bind(&body)
	if !s.token.Matches(body.Token) {
		return nil, router.Errorf(http.StatusForbidden, "invalid token")
	}
	return nil, nil
}

func (s *Server) powerHandler(name string, action power.Action) router.Handler {
	return func(ctx context.Context, req *router.Request) (any, error) {
		log := s.log.WithField("action", name)
		log.Info("power action requested")
		s.background(func() {
			if err := action.Run(context.Background()); err != nil {
				log.WithError(err).Error("power action failed")
			}
		})
		return true, nil
	}
}

// requireUser checks BasicAuth when users are configured. It runs as the
// first handler of a matched route, so unknown paths still get a 404.
func (s *Server) requireUser(ctx context.Context, req *router.Request) (any, error) {
	if len(s.cfg.Users) == 0 {
		return nil, nil
	}
	user, err := auth.Authenticate(s.cfg.Users, req.Header.Get("Authorization"))
	if err != nil {
		return nil, &router.Error{
			Status: http.StatusUnauthorized,
			Err:    err,
			Header: http.Header{"Www-Authenticate": {auth.Challenge}},
		}
	}
	s.log.WithFields(logrus.Fields{"user": user, "path": req.Path}).Info("authenticated")
	return nil, nil
}

func withHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		// The UI polls; never let a proxy or browser serve stale status.
		if strings.HasPrefix(r.URL.Path, "/assets/") {
			w.Header().Set("Cache-Control", "public, max-age=3600")
		} else {
			w.Header().Set("Cache-Control", "no-store")
		}
		next.ServeHTTP(w, r)
	})
}
