package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	platformgrpc "github.com/louisbranch/larder/internal/platform/grpc"
	"github.com/louisbranch/larder/internal/platform/logging"
	"github.com/louisbranch/larder/internal/platform/timeouts"
	"github.com/louisbranch/larder/internal/services/auth/api/httpapi"
	"github.com/louisbranch/larder/internal/services/auth/magiclink"
	"github.com/louisbranch/larder/internal/services/auth/mail"
	"github.com/louisbranch/larder/internal/services/auth/passkey"
	"github.com/louisbranch/larder/internal/services/auth/registration"
	"github.com/louisbranch/larder/internal/services/auth/session"
	"github.com/louisbranch/larder/internal/services/auth/storage"
	authredis "github.com/louisbranch/larder/internal/services/auth/storage/redis"
	authsqlite "github.com/louisbranch/larder/internal/services/auth/storage/sqlite"
	"github.com/louisbranch/larder/internal/services/auth/token"
)

// HealthService is the gRPC health service name reported for auth.
const HealthService = "larder.auth"

// Server hosts the auth service.
type Server struct {
	listener     net.Listener
	grpcServer   *grpc.Server
	health       *health.Server
	httpListener net.Listener
	httpServer   *http.Server
	store        *authsqlite.Store
	redis        *authredis.Store
	sweeper      *sweeper
	config       Config
	logger       *slog.Logger
}

// Options overrides process-level collaborators, mainly for tests.
type Options struct {
	Logger *slog.Logger
	// Mailer replaces the log mailer.
	Mailer mail.Mailer
	// MailEcho receives full outgoing messages when mail echo is enabled.
	// Defaults to stderr.
	MailEcho io.Writer
}

// New creates a configured auth server with its listeners bound.
func New(ctx context.Context, cfg Config, opts Options) (*Server, error) {
	logger := logging.OrDiscard(opts.Logger)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", cfg.GRPCPort, err)
	}
	store, err := openAuthStore(ctx, cfg.DBPath, logger)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}
	server := &Server{listener: listener, store: store, config: cfg, logger: logger}

	var pending storage.PendingRegistrationStore = store
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		dialCtx, cancel := context.WithTimeout(ctx, timeouts.StoreOpen)
		redisStore, err := authredis.Dial(dialCtx, addr)
		cancel()
		if err != nil {
			server.closeAll()
			return nil, fmt.Errorf("open auth redis store: %w", err)
		}
		server.redis = redisStore
		pending = redisStore
		logger.Info("pending registrations stored in redis", "addr", addr)
	}

	if cfg.Token.Ephemeral() {
		logger.Warn("LARDER_SESSION_SIGNING_KEY is not set; sessions will not survive a restart")
	}
	signer, err := token.NewSigner(cfg.Token)
	if err != nil {
		server.closeAll()
		return nil, fmt.Errorf("build token signer: %w", err)
	}

	mailer := opts.Mailer
	if mailer == nil {
		var echo io.Writer
		if cfg.Mail.Echo {
			echo = opts.MailEcho
			if echo == nil {
				echo = os.Stderr
			}
		}
		mailer = mail.NewLogMailer(logger, echo)
	}

	links := magiclink.NewService(store, mailer, signer, cfg.MagicLink, logger)
	registrations := registration.NewService(store, pending, links, signer, cfg.Registration, logger)
	links.SetPromoter(registrations)
	linkConfig := links.Config()

	httpConfig := cfg.HTTP
	httpConfig.CookieSecure = cfg.Session.CookieSecure
	httpConfig.SuccessURL = linkConfig.SuccessURL
	httpConfig.FailureURL = linkConfig.FailureURL
	api := httpapi.NewServer(httpapi.Deps{
		Passkeys:      passkey.NewHandler(store, signer, cfg.Passkey, logger),
		MagicLinks:    links,
		Registrations: registrations,
		Sessions:      session.NewIssuer(store, signer, links, cfg.Session, logger),
		Guard:         session.NewGuard(store, signer, cfg.Session, logger),
	}, httpConfig, logger)

	if strings.TrimSpace(cfg.HTTPAddr) != "" {
		httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			server.closeAll()
			return nil, fmt.Errorf("listen on http addr %s: %w", cfg.HTTPAddr, err)
		}
		server.httpListener = httpListener
		server.httpServer = &http.Server{
			Handler:           middleware.Timeout(timeouts.HTTPRequest)(api.Handler()),
			ReadHeaderTimeout: timeouts.ReadHeader,
		}
	}

	server.grpcServer = platformgrpc.NewServer()
	server.health = platformgrpc.RegisterHealth(server.grpcServer, HealthService)
	server.sweeper = &sweeper{
		tokens:   store,
		pending:  pending,
		sessions: store,
		grace:    linkConfig.Grace,
		clock:    time.Now,
		logger:   logger,
	}
	return server, nil
}

// Addr returns the gRPC listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// HTTPAddr returns the HTTP listener address, or empty when HTTP is disabled.
func (s *Server) HTTPAddr() string {
	if s == nil || s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// Run creates and serves an auth server until the context ends.
func Run(ctx context.Context, cfg Config, opts Options) error {
	server, err := New(ctx, cfg, opts)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts the auth server and blocks until it stops or the context ends.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.closeStores()

	s.sweeper.start(serverCtx, s.config.CleanupInterval)

	s.logger.Info("auth gRPC server listening", "addr", s.listener.Addr().String())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpcServer.Serve(s.listener)
	}()

	httpErr := make(chan error, 1)
	if s.httpServer != nil && s.httpListener != nil {
		s.logger.Info("auth HTTP server listening", "addr", s.httpListener.Addr().String())
		go func() {
			httpErr <- s.httpServer.Serve(s.httpListener)
		}()
	}

	handleErr := func(err error) error {
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	}

	shutdownGRPC := func() {
		if s.health != nil {
			s.health.Shutdown()
		}
		s.grpcServer.GracefulStop()
	}
	shutdownHTTP := func() {
		if s.httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
			defer cancel()
			if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
				s.logger.Warn("shutdown HTTP server", "error", err)
			}
		}
	}

	select {
	case <-ctx.Done():
		shutdownGRPC()
		shutdownHTTP()
		err := <-serveErr
		return handleErr(err)
	case err := <-serveErr:
		shutdownHTTP()
		return handleErr(err)
	case err := <-httpErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		shutdownGRPC()
		grpcErr := <-serveErr
		if handled := handleErr(grpcErr); handled != nil {
			return handled
		}
		return fmt.Errorf("serve HTTP: %w", err)
	}
}

func openAuthStore(ctx context.Context, path string, logger *slog.Logger) (*authsqlite.Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("auth db path is required")
	}
	store, err := authsqlite.OpenFile(ctx, path, logger)
	if err != nil {
		return nil, fmt.Errorf("open auth sqlite store: %w", err)
	}
	return store, nil
}

// closeAll releases listeners and stores when construction fails midway.
func (s *Server) closeAll() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.httpListener != nil {
		_ = s.httpListener.Close()
	}
	s.closeStores()
}

func (s *Server) closeStores() {
	if s == nil {
		return
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warn("close auth redis store", "error", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("close auth store", "error", err)
		}
	}
}
