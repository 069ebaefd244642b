// Command chatwarden runs the multi-account chat automation service.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts the buffered write pipeline and the connection supervisor with
//     the tracker, auto-reply, auto-react, presence, and quest modules.
//   - Keeps stored OAuth credentials fresh and rotates live connections on
//     refresh.
//   - Exposes an HTTP server with health, status, metrics, and admin routes.
//
// Shutdown is graceful on SIGINT/SIGTERM.
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

	"golang.org/x/oauth2"

	"github.com/joho/godotenv"

	"github.com/ewhitmore/chatwarden/config"
	"github.com/ewhitmore/chatwarden/gateway"
	"github.com/ewhitmore/chatwarden/irc"
	"github.com/ewhitmore/chatwarden/modules"
	"github.com/ewhitmore/chatwarden/msgbuffer"
	"github.com/ewhitmore/chatwarden/oauth"
	"github.com/ewhitmore/chatwarden/ratelimit"
	"github.com/ewhitmore/chatwarden/server"
	"github.com/ewhitmore/chatwarden/store"
	"github.com/ewhitmore/chatwarden/telemetry"
	"github.com/ewhitmore/chatwarden/twitchapi"
)

const version = "1.0.0"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	initLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("chatwarden", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	st, err := store.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	err = st.Migrate(migrateCtx)
	cancelMigrate()
	if err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	limiter := ratelimit.New(ratelimit.Config{
		WindowLimit:  cfg.RateWindowLimit,
		ResetAfter:   cfg.RateResetAfter,
		BaseCooldown: cfg.RateBaseCooldown,
		MinCooldown:  cfg.RateMinCooldown,
		HitThreshold: cfg.RateHitThreshold,
	})

	buffer := msgbuffer.New(st, msgbuffer.Config{
		FlushInterval: cfg.BufferFlushInterval,
		MaxSize:       cfg.BufferMaxSize,
		MaxPending:    cfg.BufferMaxPending,
		UserLimit:     cfg.UserMessageLimit,
	}, nil)
	go buffer.Run(ctx)

	tracker := modules.NewTracker(buffer, st, nil)
	reply := modules.NewAutoReply(modules.AutoReplyConfig{
		Message:      cfg.AFKMessage,
		Cooldown:     cfg.AFKCooldown,
		RetryBackoff: cfg.RemoteRetryBackoff,
	}, nil)
	react := modules.NewAutoReact(cfg.RemoteRetryBackoff, nil)
	presence := modules.NewPresence(cfg.PresenceRotation, cfg.PresenceInterval, nil)
	quests := modules.NewQuests(cfg.QuestPollInterval, cfg.RemoteRetryBackoff, nil)
	defer presence.Close()
	defer quests.Close()

	helix := &twitchapi.HelixClient{
		AppTokenSource: &twitchapi.TokenSource{ClientID: cfg.ClientID, ClientSecret: cfg.ClientSecret},
		ClientID:       cfg.ClientID,
	}
	factory := func(acct store.Account) (gateway.Client, error) {
		return irc.New(irc.Config{
			AccountID: acct.ID,
			Username:  acct.Username,
			Token:     acct.AccessToken,
			Channels:  cfg.ChatChannels,
		}, helix, nil), nil
	}

	mgr := gateway.NewManager(factory, limiter, nil, tracker, reply, react, presence, quests)

	if err := seedAccounts(ctx, st, cfg.AccountTokens); err != nil {
		slog.Error("seeding accounts failed", slog.Any("err", err))
		os.Exit(1)
	}
	accounts, err := st.ListAccounts(ctx, store.AccountEnabled)
	if err != nil {
		slog.Error("loading accounts failed", slog.Any("err", err))
		os.Exit(1)
	}
	for _, acct := range accounts {
		if _, err := mgr.Add(acct); err != nil {
			slog.Error("adding connection failed", slog.Any("err", err), slog.String("account_id", acct.ID))
		}
	}
	slog.Info("supervisor starting", slog.Int("connections", mgr.Len()), slog.Any("channels", cfg.ChatChannels))

	// Centralized OAuth token refresher; a refreshed credential replaces the
	// live connection so the next reconnect authenticates with the new token.
	refresher := &oauth.Refresher{
		Store: st,
		Conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.OAuthTokenURL},
		},
		OnRefresh: func(a store.Account) {
			if err := mgr.Remove(ctx, a.ID); err != nil {
				return
			}
			if _, err := mgr.Add(a); err != nil {
				slog.Error("re-adding refreshed connection failed", slog.Any("err", err), slog.String("account_id", a.ID))
			}
		},
	}
	go refresher.Start(ctx)

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
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

	handlers := &server.Handlers{
		Store:   st,
		Manager: mgr,
		Buffer:  buffer,
		Reply:   reply,
		React:   react,
		Version: version,
	}
	if cfg.ClientID != "" && cfg.ClientSecret != "" {
		handlers.Helix = helix
		handlers.Channels = cfg.ChatChannels
	}
	go func() {
		if err := server.Start(ctx, handlers, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// The supervisor may start with zero connections (accounts arrive through
	// the admin API), so block on the signal context rather than StartAll.
	supervisorDone := make(chan struct{})
	go func() {
		defer close(supervisorDone)
		if err := mgr.StartAll(ctx); err != nil {
			slog.Error("supervisor exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	mgr.StopAll()
	<-supervisorDone
}

// initLogging configures slog from LOG_LEVEL and LOG_FORMAT.
// Defaults: level=info, format=text.
func initLogging() {
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
}

// seedAccounts upserts credentials from CHAT_ACCOUNT_TOKENS, formatted as
// comma-separated username:token pairs. Rows already persisted keep their
// stored tokens; seeding only fills gaps so a refreshed token is never
// clobbered by a stale env value.
func seedAccounts(ctx context.Context, st *store.Store, seeds []string) error {
	for _, seed := range seeds {
		username, token, ok := strings.Cut(seed, ":")
		if !ok || username == "" || token == "" {
			slog.Warn("skipping malformed account seed; want username:token")
			continue
		}
		if _, err := st.GetAccount(ctx, username); err == nil {
			continue
		}
		if err := st.UpsertAccount(ctx, store.Account{ID: username, Username: username, AccessToken: token}); err != nil {
			return err
		}
		slog.Info("seeded account", slog.String("username", username))
	}
	return nil
}
