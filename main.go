package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jessevdk/go-flags"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/acme/autocert"

	"github.com/wadahiro/pkcelens/internal/authorize"
	"github.com/wadahiro/pkcelens/internal/config"
	"github.com/wadahiro/pkcelens/internal/console"
	"github.com/wadahiro/pkcelens/internal/exchange"
	"github.com/wadahiro/pkcelens/internal/idtoken"
	"github.com/wadahiro/pkcelens/internal/notify"
	"github.com/wadahiro/pkcelens/internal/protocol"
	"github.com/wadahiro/pkcelens/internal/session"
	"github.com/wadahiro/pkcelens/internal/ui"
)

type options struct {
	Config      string `long:"config" short:"c" env:"CONFIG_FILE" description:"Path to the TOML or YAML config file"`
	Healthcheck bool   `long:"healthcheck" description:"Probe the health endpoint and exit"`
	HealthURL   string `long:"health-url" env:"HEALTHCHECK_URL" default:"http://localhost:3001/healthz" description:"Endpoint probed by --healthcheck"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if opts.Healthcheck {
		os.Exit(healthcheck(opts.HealthURL))
	}

	if opts.Config == "" {
		slog.Error("--config or CONFIG_FILE is required")
		os.Exit(1)
	}
	cfg, err := config.Load(opts.Config)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	if cfg.Timezone != "" && cfg.Timezone != "UTC" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			slog.Error("Invalid timezone", "timezone", cfg.Timezone, "error", err)
			os.Exit(1)
		}
		protocol.DisplayLocation = loc
		slog.Info("Display timezone configured", "timezone", cfg.Timezone)
	}

	var transport http.RoundTripper = http.DefaultTransport
	if cfg.InsecureSkipVerify {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		transport = t
		slog.Warn("TLS certificate verification is disabled")
	}
	httpClient := &http.Client{Transport: transport, Timeout: 15 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler, cleanup, err := buildConsole(ctx, cfg, httpClient)
	if err != nil {
		slog.Error("Failed to initialize console", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	root := chi.NewRouter()
	root.Use(middleware.RequestID)
	root.Use(middleware.RealIP)
	root.Use(console.RequestLogger)
	root.Use(middleware.Recoverer)

	root.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	staticFS, err := fs.Sub(ui.StaticFiles, "static")
	if err != nil {
		slog.Error("Failed to create static file sub", "error", err)
		os.Exit(1)
	}
	staticPrefix := cfg.BasePath + "/static/"
	root.Handle(staticPrefix+"*", http.StripPrefix(staticPrefix, http.FileServer(http.FS(staticFS))))

	if cfg.BasePath == "" {
		root.Mount("/", handler)
	} else {
		root.Mount(cfg.BasePath, handler)
		root.Get("/", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, cfg.BasePath+"/", http.StatusFound)
		})
	}

	server := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     root,
		ReadTimeout: 10 * time.Second,
		// Exchanges wait on the resource API; the event stream clears its own deadline.
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	var redirectServer *http.Server
	if len(cfg.TLSAutocertHosts) > 0 {
		m := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.TLSAutocertCacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.TLSAutocertHosts...),
		}
		server.TLSConfig = &tls.Config{GetCertificate: m.GetCertificate, MinVersion: tls.VersionTLS12}
		redirectServer = &http.Server{Addr: ":80", Handler: m.HTTPHandler(nil)}
		go func() {
			if err := redirectServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("ACME challenge listener failed", "error", err)
			}
		}()
	}

	go func() {
		var err error
		switch {
		case cfg.TLSSelfSigned:
			tlsCert, certErr := generateSelfSignedTLSCert()
			if certErr != nil {
				slog.Error("Failed to generate self-signed TLS certificate", "error", certErr)
				os.Exit(1)
			}
			server.TLSConfig = &tls.Config{Certificates: []tls.Certificate{tlsCert}}
			slog.Info("Listening (TLS, self-signed)", "addr", cfg.ListenAddr, "base_url", cfg.BaseURL)
			err = server.ListenAndServeTLS("", "")
		case cfg.TLSCertPath != "":
			slog.Info("Listening (TLS)", "addr", cfg.ListenAddr, "base_url", cfg.BaseURL)
			err = server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		case server.TLSConfig != nil:
			slog.Info("Listening (TLS, autocert)", "addr", cfg.ListenAddr, "hosts", cfg.TLSAutocertHosts)
			err = server.ListenAndServeTLS("", "")
		default:
			slog.Info("Listening", "addr", cfg.ListenAddr, "base_url", cfg.BaseURL)
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if redirectServer != nil {
		_ = redirectServer.Shutdown(shutdownCtx)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Shutdown failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped")
}

// buildConsole wires the session store, resource API client and provider
// metadata into the console router.
func buildConsole(ctx context.Context, cfg *config.Config, httpClient *http.Client) (http.Handler, func(), error) {
	cleanup := func() {}
	clock := clockwork.NewRealClock()
	c := cfg.Client

	client := authorize.ClientConfig{
		AuthorizationEndpoint: c.AuthorizationEndpoint,
		ClientID:              c.ClientID,
		RedirectURI:           c.RedirectURI,
		Scope:                 c.Scope,
		ResponseType:          c.ResponseType,
		ExtraParams:           c.ExtraAuthParams,
	}

	var discovered *authorize.Discovered
	jwksURI := c.JWKSURI
	if c.Issuer != "" {
		dctx, cancel := context.WithTimeout(gooidc.ClientContext(ctx, httpClient), 15*time.Second)
		d, err := authorize.Discover(dctx, c.Issuer)
		cancel()
		if err != nil {
			if client.AuthorizationEndpoint == "" {
				return nil, cleanup, err
			}
			slog.Warn("Discovery failed, using configured endpoints", "issuer", c.Issuer, "error", err)
		} else {
			discovered = d
			if client.AuthorizationEndpoint == "" {
				client.AuthorizationEndpoint = d.AuthorizationEndpoint
			}
			if jwksURI == "" {
				jwksURI = d.JWKSURI
			}
			slog.Info("Provider discovered", "issuer", d.Issuer, "authorization_endpoint", d.AuthorizationEndpoint)
		}
	}

	var keySet gooidc.KeySet
	var jwksRaw json.RawMessage
	if jwksURI != "" {
		raw, err := idtoken.FetchJWKS(ctx, httpClient, jwksURI)
		if err != nil {
			slog.Warn("Failed to fetch JWKS", "jwks_uri", jwksURI, "error", err)
		} else {
			jwksRaw = raw
		}
		if c.VerifySignature {
			keySet = gooidc.NewRemoteKeySet(gooidc.ClientContext(context.Background(), httpClient), jwksURI)
		}
	}

	var store session.Store
	switch cfg.Session.Mode {
	case config.SessionRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Session.RedisAddr,
			Password: cfg.Session.RedisPassword,
			DB:       cfg.Session.RedisDB,
		})
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			_ = rdb.Close()
			return nil, cleanup, fmt.Errorf("connect redis %s: %w", cfg.Session.RedisAddr, err)
		}
		cleanup = func() { _ = rdb.Close() }
		store = session.NewRedisStore(rdb, cfg.Session.MaterialTTL.Duration)
		slog.Info("Session store", "mode", "redis", "addr", cfg.Session.RedisAddr)
	default:
		store = session.NewMemoryStore(clock, cfg.Session.MaterialTTL.Duration)
		slog.Info("Session store", "mode", "memory")
	}

	ex, err := exchange.New(store, exchange.Options{
		APIBaseURL: c.APIBaseURL,
		ClientID:   c.ClientID,
		Issuer:     c.ExpectedIssuer,
		Locale:     c.Locale,
		Timeout:    c.ExchangeTimeout.Duration,
		Transport:  httpClient.Transport,
		Clock:      clock,
	})
	if err != nil {
		return nil, cleanup, err
	}
	hub, err := notify.NewHub(cfg.Origin, 8)
	if err != nil {
		return nil, cleanup, err
	}
	renderer, err := ui.NewRenderer()
	if err != nil {
		return nil, cleanup, err
	}

	h, err := console.NewHandler(console.Options{
		Config:    cfg,
		Client:    client,
		Store:     store,
		Exchanger: ex,
		Hub:       hub,
		Renderer:  renderer,
		Clock:     clock,
		KeySet:    keySet,
		JWKSRaw:   jwksRaw,
		Discovery: discovered,
	})
	if err != nil {
		return nil, cleanup, err
	}
	slog.Info("Console ready", "client_id", c.ClientID, "redirect_uri", c.RedirectURI, "api_base_url", c.APIBaseURL)
	return h.Routes(), cleanup, nil
}

func healthcheck(healthURL string) int {
	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	resp, err := client.Get(healthURL)
	if err != nil {
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}

func generateSelfSignedTLSCert() (tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate RSA key: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
	}, nil
}
