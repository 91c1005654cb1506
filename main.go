// Command channel-warden is the daemon that watches a list of Twitch channels
// and keeps one browser artifact open per live channel. It:
//   - Loads configuration and initializes structured logging.
//   - Opens the store (SQLite by default, Postgres or in-memory by DSN) and runs migrations.
//   - Wires the token manager, poller, enricher, registry, reward ledger,
//     overlay broadcaster and supervisor behind the extension bridge.
//   - Exposes the HTTP API with /healthz, /status, /settings, /api/action and /metrics.
//
// Shutdown suspends monitoring without closing any artifact.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/channel-warden/actions"
	"github.com/onnwee/channel-warden/bridge"
	"github.com/onnwee/channel-warden/config"
	"github.com/onnwee/channel-warden/crypto"
	"github.com/onnwee/channel-warden/db"
	"github.com/onnwee/channel-warden/monitor"
	"github.com/onnwee/channel-warden/oauth"
	"github.com/onnwee/channel-warden/overlay"
	"github.com/onnwee/channel-warden/registry"
	"github.com/onnwee/channel-warden/rewards"
	"github.com/onnwee/channel-warden/server"
	"github.com/onnwee/channel-warden/store"
	"github.com/onnwee/channel-warden/telemetry"
	"github.com/onnwee/channel-warden/twitchapi"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const autostartDelay = 3 * time.Second

func main() {
	// Load .env file if present (local dev convenience only)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Tracing is a no-op unless OTEL_EXPORTER_OTLP_ENDPOINT is set
	shutdownTracing, err := telemetry.InitTracing("channel-warden", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	st, closeStore, err := openStore(cfg)
	if err != nil {
		slog.Error("failed to open store", slog.Any("err", err))
		os.Exit(1)
	}
	defer closeStore()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.SettingsFile != "" {
		seeded, err := config.SeedSettings(ctx, st, cfg.SettingsFile)
		if err != nil {
			slog.Error("failed to seed settings", slog.String("file", cfg.SettingsFile), slog.Any("err", err))
			os.Exit(1)
		}
		if seeded {
			slog.Info("settings seeded from file", slog.String("file", cfg.SettingsFile))
		}
	}

	sealer, err := crypto.New(cfg.EncryptionKey)
	if err != nil {
		slog.Error("invalid ENCRYPTION_KEY", slog.Any("err", err))
		os.Exit(1)
	}
	if cfg.EncryptionKey == "" {
		slog.Warn("ENCRYPTION_KEY not set, the oauth token is stored in plaintext")
	}

	// The router and dispatcher are filled in once the components they reach exist.
	router := &bridge.Router{}
	dispatcher := &actions.Dispatcher{}
	hub := bridge.NewHub(bridge.Options{
		RequestTimeout: cfg.BridgeRequestTimeout,
		Actions:        dispatcher,
		Events:         router.Handle,
	})

	// Every log record is kept in the persisted ring and forwarded to the UIs
	ring := telemetry.NewLogRing(st, hub)
	if err := ring.Load(ctx); err != nil {
		slog.Warn("failed to restore log history", slog.Any("err", err))
	}
	slog.SetDefault(slog.New(telemetry.NewRingHandler(handler, ring)))
	go ring.Run(ctx, 2*time.Second)

	helix := &twitchapi.HelixClient{ClientID: cfg.TwitchClientID}

	var authorizer oauth.Authorizer = hub
	var authCallback http.Handler
	if cfg.AuthFlow == config.AuthFlowLoopback {
		lb := &oauth.LoopbackAuthorizer{}
		authorizer, authCallback = lb, lb
	}
	if err := cfg.ValidateAuthReady(); err != nil {
		slog.Warn("twitch authorization unavailable until configured", slog.Any("err", err))
	}
	tokens := oauth.NewManager(oauth.Options{
		Store:      st,
		Sealer:     sealer,
		Validator:  helix,
		Authorizer: authorizer,
		Grant: twitchapi.ImplicitGrant{
			ClientID:    cfg.TwitchClientID,
			RedirectURI: cfg.TwitchRedirectURI,
			Scopes:      twitchapi.SplitScopes(cfg.TwitchScopes),
		},
		UserID: cfg.TwitchUserID,
	})

	var supervisor *monitor.Supervisor
	ledger := rewards.New(rewards.Options{
		Store:         st,
		Publisher:     hub,
		DefaultPoints: cfg.ClaimPoints,
		ChannelStatus: func() map[string]string {
			if supervisor == nil {
				return nil
			}
			return supervisor.ChannelStatus()
		},
	})
	if err := ledger.Load(ctx); err != nil {
		slog.Warn("failed to restore reward stats", slog.Any("err", err))
	}

	reg := registry.New(hub)
	broadcaster := overlay.New(hub, st)

	supervisor = monitor.New(monitor.Options{
		Store:     st,
		Poller:    &monitor.Poller{Tokens: tokens, Streams: helix},
		Enricher:  &monitor.Enricher{Subs: helix, Users: tokens, Ledger: ledger},
		Registry:  reg,
		Ledger:    ledger,
		Overlay:   broadcaster,
		Publisher: hub,
	})

	*router = bridge.Router{Registry: reg, Overlay: broadcaster, Monitor: supervisor}
	*dispatcher = actions.Dispatcher{
		Store:   st,
		Monitor: supervisor,
		Tokens:  tokens,
		Ledger:  ledger,
		Overlay: broadcaster,
		Windows: hub,
	}

	// Detailed logging follows the setting live
	if s, err := config.LoadSettings(ctx, st); err == nil {
		ring.SetDetailed(s.DetailedLogging)
	}
	unsubscribe := st.Subscribe(func(c store.Change) {
		if c.Key != store.KeyDetailedLogging {
			return
		}
		ring.SetDetailed(!c.Removed && string(c.New) == "true")
	})
	defer unsubscribe()

	if err := store.SetJSON(ctx, st, store.KeyMonitoringActive, false); err != nil {
		slog.Warn("failed to reset monitoring flag", slog.Any("err", err))
	}

	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	mux := server.NewMux(ctx, cfg, server.Deps{
		Store:        st,
		Monitor:      supervisor,
		Tokens:       tokens,
		Actions:      dispatcher,
		Bridge:       hub,
		AuthCallback: authCallback,
		Version:      version,
	})
	go func() {
		if err := server.Start(ctx, mux, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()

	go autostart(ctx, st, tokens, supervisor)

	<-ctx.Done()
	slog.Info("shutting down")
	supervisor.Suspend(context.WithoutCancel(ctx))
}

// openStore selects the store from DB_DSN: "memory", a postgres:// URL or a SQLite path.
func openStore(cfg *config.Config) (store.Store, func(), error) {
	if cfg.DBDsn == "memory" {
		slog.Warn("using in-memory store, nothing survives a restart")
		return store.NewMemory(), func() {}, nil
	}
	database, driver, err := db.Connect(cfg.DBDsn)
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}

	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database, driver); err != nil {
		slog.Warn("versioned migrations failed, falling back to embedded schema",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database, driver); err != nil {
			closeDB()
			return nil, nil, err
		}
	}
	return store.NewSQL(database, driver), closeDB, nil
}

// autostart starts monitoring shortly after boot when the settings allow it.
func autostart(ctx context.Context, st store.Store, tokens *oauth.Manager, supervisor *monitor.Supervisor) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(autostartDelay):
	}
	log := slog.With(slog.String("component", "autostart"))
	s, err := config.LoadSettings(ctx, st)
	if err != nil {
		log.Error("failed to load settings", slog.Any("err", err))
		return
	}
	hasToken := tokens.HasToken(ctx)
	if !s.Autostart || !hasToken || len(s.Channels) == 0 {
		log.Info("autostart skipped",
			slog.Bool("autostart", s.Autostart),
			slog.Bool("has_token", hasToken),
			slog.Int("channels", len(s.Channels)))
		return
	}
	log.Info("autostarting monitoring", slog.Int("channels", len(s.Channels)))
	supervisor.Start(ctx)
}
