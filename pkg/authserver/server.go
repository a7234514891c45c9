// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/authcore/pkg/authserver/authorize"
	"github.com/stacklok/authcore/pkg/authserver/consent"
	"github.com/stacklok/authcore/pkg/authserver/exchange"
	"github.com/stacklok/authcore/pkg/authserver/external"
	"github.com/stacklok/authcore/pkg/authserver/interaction"
	"github.com/stacklok/authcore/pkg/authserver/registry"
	"github.com/stacklok/authcore/pkg/authserver/server/crypto"
	"github.com/stacklok/authcore/pkg/authserver/server/handlers"
	"github.com/stacklok/authcore/pkg/authserver/server/keys"
	"github.com/stacklok/authcore/pkg/authserver/session"
	"github.com/stacklok/authcore/pkg/authserver/storage"
	"github.com/stacklok/authcore/pkg/authserver/token"
	"github.com/stacklok/authcore/pkg/authserver/users"
	"github.com/stacklok/authcore/pkg/logger"
	"github.com/stacklok/authcore/pkg/telemetry"
)

const (
	defaultShutdownTimeout   = 15 * time.Second
	defaultReadHeaderTimeout = 10 * time.Second
)

// Server is an assembled authorization server.
type Server struct {
	cfg         *Config
	storage     storage.Storage
	ownsStorage bool
	keys        keys.KeyProvider
	registry    registry.Store
	telemetry   *telemetry.Provider
	handler     http.Handler
}

type serverOptions struct {
	storage    storage.Storage
	keys       keys.KeyProvider
	httpClient *http.Client
}

// Option customizes New.
type Option func(*serverOptions)

// WithStorage uses stor instead of creating the configured backend. The
// caller keeps ownership: Close does not close it.
func WithStorage(stor storage.Storage) Option {
	return func(o *serverOptions) { o.storage = stor }
}

// WithKeyProvider uses kp instead of the configured signing keys.
func WithKeyProvider(kp keys.KeyProvider) Option {
	return func(o *serverOptions) { o.keys = kp }
}

// WithHTTPClient sets the client used to reach external identity providers
// and remote JWKS endpoints.
func WithHTTPClient(c *http.Client) Option {
	return func(o *serverOptions) { o.httpClient = c }
}

// New wires every component of the server from cfg. A nil cfg uses DefaultConfig.
func New(ctx context.Context, cfg *Config, opts ...Option) (_ *Server, err error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger.Debugw("creating authorization server", "issuer", cfg.Issuer)

	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}

	s := &Server{cfg: cfg}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if s.registry, err = buildRegistry(cfg); err != nil {
		return nil, err
	}

	s.storage = o.storage
	if s.storage == nil {
		if s.storage, err = NewStorage(ctx, cfg.Storage); err != nil {
			return nil, fmt.Errorf("failed to create storage: %w", err)
		}
		s.ownsStorage = true
	}

	s.keys = o.keys
	if s.keys == nil {
		if s.keys, err = keys.NewProviderFromConfig(cfg.Keys); err != nil {
			return nil, fmt.Errorf("failed to create key provider: %w", err)
		}
	}

	if s.telemetry, err = telemetry.NewProvider(ctx, cfg.Telemetry); err != nil {
		return nil, fmt.Errorf("failed to create telemetry provider: %w", err)
	}

	hcfg, err := s.handlerConfig(ctx, o.httpClient)
	if err != nil {
		return nil, err
	}
	h, err := handlers.NewHandler(*hcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create handlers: %w", err)
	}

	r := chi.NewRouter()
	r.Get("/health", s.healthHandler)
	r.Mount("/", h.Routes())
	s.handler = r

	logger.Infow("authorization server initialized",
		"issuer", cfg.Issuer,
		"storage", cfg.Storage.Type,
		"externalProviders", len(cfg.External),
	)
	return s, nil
}

func buildRegistry(cfg *Config) (registry.Store, error) {
	clients := cfg.Clients
	if cfg.ClientFile != "" {
		extra, err := registry.LoadClientFile(cfg.ClientFile)
		if err != nil {
			return nil, err
		}
		logger.Infow("loaded clients from file", "path", cfg.ClientFile, "count", len(extra))
		clients = append(append([]registry.Client(nil), clients...), extra...)
	}
	reg, err := registry.New(clients, cfg.Resources)
	if err != nil {
		return nil, fmt.Errorf("failed to build client registry: %w", err)
	}
	if cfg.DomainPrefix == "" {
		return reg, nil
	}
	return registry.NewDomainStore(reg, cfg.DomainPrefix), nil
}

func (s *Server) handlerConfig(ctx context.Context, httpClient *http.Client) (*handlers.Config, error) {
	cfg := s.cfg

	issuer, err := token.NewIssuer(token.Config{
		Issuer:         cfg.Issuer,
		Keys:           s.keys,
		Store:          s.storage,
		Registry:       s.registry,
		TracerProvider: s.telemetry.TracerProvider(),
		MeterProvider:  s.telemetry.MeterProvider(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create token issuer: %w", err)
	}

	var subjectValidator token.TokenValidator = token.NewValidator(cfg.Issuer, s.keys)
	if cfg.Exchange.SubjectIssuer != "" {
		remote, err := token.NewRemoteValidator(ctx, token.RemoteConfig{
			Issuer:     cfg.Exchange.SubjectIssuer,
			JWKSURL:    cfg.Exchange.JWKSURL,
			HTTPClient: httpClient,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create subject token validator: %w", err)
		}
		subjectValidator = remote
	}

	policy, _ := authorize.PolicyByName(cfg.RedirectURIPolicy)
	validator := authorize.NewValidator(s.registry,
		authorize.WithRedirectURIPolicy(policy),
		authorize.WithConsentStore(s.storage),
	)

	var resumeOpts []interaction.Option
	if cfg.Interaction.RequestLifetime > 0 {
		resumeOpts = append(resumeOpts, interaction.WithRequestLifetime(cfg.Interaction.RequestLifetime))
	}
	resumer := interaction.NewResumer(&interaction.ReturnURLPolicy{
		Origin:         cfg.Issuer,
		AllowOrigin:    true,
		AllowedOrigins: cfg.Interaction.AllowedOrigins,
	}, s.storage, validator, resumeOpts...)

	secrets, err := crypto.LoadHMACSecrets(cfg.Session.SecretFiles)
	if err != nil {
		return nil, fmt.Errorf("failed to load session secrets: %w", err)
	}
	sessions, err := session.NewManager(s.storage, session.Config{
		CookieName: cfg.Session.CookieName,
		Secrets:    secrets,
		Lifetime:   cfg.Session.Lifetime,
		Secure:     !cfg.Session.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session manager: %w", err)
	}

	svc := users.NewService(s.storage)
	if err := svc.Seed(ctx, cfg.Accounts); err != nil {
		return nil, fmt.Errorf("failed to seed accounts: %w", err)
	}

	flow, err := s.externalFlow(ctx, httpClient)
	if err != nil {
		return nil, err
	}

	var throttle func(http.Handler) http.Handler
	if !cfg.RateLimit.Disabled {
		throttle = NewKeyedLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst).Middleware
	}

	return &handlers.Config{
		Issuer:     cfg.Issuer,
		Registry:   s.registry,
		Validator:  validator,
		Consent:    consent.NewEngine(s.storage),
		Tokens:     issuer,
		Exchange:   exchange.NewHandler(subjectValidator, issuer, s.registry),
		Resumer:    resumer,
		Sessions:   sessions,
		Users:      svc,
		Keys:       s.keys,
		Messages:   s.storage,
		External:   flow,
		LoginURL:   cfg.Interaction.LoginURL,
		ConsentURL: cfg.Interaction.ConsentURL,
		LogoutURL:  cfg.Interaction.LogoutURL,
		Metrics:    s.telemetry.PrometheusHandler(),
		Middleware: []func(http.Handler) http.Handler{s.telemetry.Middleware()},
		Throttle:   throttle,
	}, nil
}

func (s *Server) externalFlow(ctx context.Context, httpClient *http.Client) (*external.Flow, error) {
	if len(s.cfg.External) == 0 {
		return nil, nil
	}
	var opts []external.ProviderOption
	if httpClient != nil {
		opts = append(opts, external.WithHTTPClient(httpClient))
	}
	providers := make([]*external.Provider, 0, len(s.cfg.External))
	for _, pc := range s.cfg.External {
		p, err := external.NewProvider(ctx, pc, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create external provider %q: %w", pc.Name, err)
		}
		providers = append(providers, p)
	}
	return external.NewFlow(s.storage, providers...), nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.storage.Health(r.Context()); err != nil {
		logger.Warnw("storage health check failed", "error", err.Error())
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// Handler returns the HTTP handler that serves every endpoint.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Registry returns the client and resource registry.
func (s *Server) Registry() registry.Store {
	return s.registry
}

// Run serves on addr until ctx is canceled, then shuts down gracefully.
// An empty addr uses the configured listen address.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = s.cfg.ListenAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infow("authorization server listening", "addr", addr, "issuer", s.cfg.Issuer)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down authorization server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Close releases resources held by the server.
func (s *Server) Close() error {
	logger.Debug("closing authorization server")
	var errs []error
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown telemetry: %w", err))
		}
	}
	if s.ownsStorage && s.storage != nil {
		if err := s.storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close storage: %w", err))
		}
	}
	return errors.Join(errs...)
}
