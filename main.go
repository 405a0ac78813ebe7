package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"

	"speakeasy/internal/auth"
	"speakeasy/internal/blob"
	"speakeasy/internal/commander"
	"speakeasy/internal/config"
	"speakeasy/internal/eventbus"
	"speakeasy/internal/media"
	"speakeasy/internal/media/jitter"
	"speakeasy/internal/metrics"
	"speakeasy/internal/model"
	"speakeasy/internal/plugin"
	"speakeasy/internal/signaling"
	"speakeasy/internal/store"
)

func main() {
	// Check for CLI subcommands before parsing server flags, following
	// teacher's main.go dispatch shape.
	if len(os.Args) > 1 {
		cliDB := "speakeasy.db"
		if RunCLI(os.Args[1:], cliDB) {
			return
		}
	}

	addr := flag.String("addr", ":8443", "control-plane (signaling + Commander REST) listen address")
	mediaAddr := flag.String("media-addr", ":8444", "voice WebTransport listen address")
	dbPath := flag.String("db", "speakeasy.db", "database path (sqlite) or ignored for postgres")
	configPath := flag.String("config", "", "path to an hjson server config file (defaults applied if absent)")
	certValidity := flag.Duration("cert-validity", 24*time.Hour, "self-signed TLS certificate validity")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("[config] %v", err)
		}
		cfg = loaded
	}
	if cfg.Storage.Backend == "sqlite" {
		cfg.Storage.DSN = *dbPath
	}

	repo, err := openRepository(cfg)
	if err != nil {
		log.Fatalf("[store] %v", err)
	}
	defer repo.Close()

	seedDefaults(repo)
	sweepSemiPermanentChannels(repo)

	bus := eventbus.New()

	blobRoot := cfg.Storage.BlobRoot
	if !filepath.IsAbs(blobRoot) {
		blobRoot = filepath.Join(filepath.Dir(*dbPath), blobRoot)
	}
	blobs, err := blob.NewStore(blobRoot, repo)
	if err != nil {
		log.Fatalf("[blob] %v", err)
	}

	hub := signaling.NewHub(repo, bus, "speakeasy")
	wsTransport := signaling.NewTransport(hub, cfg.Timeouts)

	router := media.NewRouter(bus, jitter.DefaultConfig(), cfg.RateLimits.VoicePeakBitrateBps)
	mediaServer := media.NewServer(router, hub)

	shutdownMetrics, err := metrics.InitProvider(context.Background(), metrics.ProviderConfig{
		ServerName:    "speakeasy",
		ServerVersion: Version,
	})
	if err != nil {
		log.Fatalf("[metrics] %v", err)
	}
	defer shutdownMetrics(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pluginHost, err := plugin.NewHost(cfg.Plugins.Dir, plugin.HostEnv{
		Bus:       bus,
		ChatWrite: chatWriteFunc(hub),
		Moderate:  moderateFunc(hub),
		FSRoot:    func(name string) string { return filepath.Join(cfg.Plugins.Dir, name, "data") },
	}, &auditAdapter{repo: repo}, cfg.Plugins.TrustedSigners)
	if err != nil {
		log.Fatalf("[plugin] %v", err)
	}
	defer pluginHost.Close(context.Background())

	ops := commander.New(repo, &sessionAdapter{hub: hub}, router, pluginHost, blobs)

	limiter := commander.NewLimiterWithRates(cfg.RateLimits.CommanderPerMinute, cfg.RateLimits.CommanderExpensivePerMinute)
	rest := commander.NewREST(ops, limiter)
	wsTransport.Register(rest.Echo())

	tlsHostname := ""
	if host, _, err := net.SplitHostPort(*addr); err == nil && host != "" {
		tlsHostname = host
	}
	tlsConfig, fingerprint, err := generateTLSConfig(*certValidity, tlsHostname)
	if err != nil {
		log.Fatalf("[tls] %v", err)
	}
	slog.Info("tls certificate generated", "fingerprint", fingerprint)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	controlSrv := &http.Server{
		Addr:              *addr,
		Handler:           rest.Echo(),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = controlSrv.Shutdown(shutdownCtx)
	}()

	wtServer := &webtransport.Server{
		H3: http3.Server{
			Addr:      *mediaAddr,
			TLSConfig: tlsConfig,
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/voice", func(w http.ResponseWriter, r *http.Request) {
		sess, err := wtServer.Upgrade(w, r)
		if err != nil {
			slog.Debug("media webtransport upgrade failed", "err", err)
			return
		}
		go mediaServer.HandleSession(ctx, sess)
	})
	wtServer.H3.Handler = mux

	go func() {
		<-ctx.Done()
		_ = wtServer.Close()
	}()
	go func() {
		if err := wtServer.ListenAndServe(); err != nil && ctx.Err() == nil {
			slog.Error("media server stopped", "err", err)
		}
	}()

	slog.Info("speakeasy control plane listening", "addr", *addr)
	slog.Info("speakeasy voice listening", "addr", *mediaAddr)

	if err := controlSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
		log.Fatalf("[server] %v", err)
	}
}

func openRepository(cfg *config.Config) (store.Repository, error) {
	switch cfg.Storage.Backend {
	case "postgres":
		return store.OpenPostgres(context.Background(), cfg.Storage.DSN)
	default:
		return store.OpenSQLite(cfg.Storage.DSN)
	}
}

// seedDefaults writes factory-default settings, a default text channel,
// and a bootstrap Commander API token when none exist yet, mirroring the
// teacher's main.go first-run initialisation.
func seedDefaults(repo store.Repository) {
	ctx := context.Background()
	if _, ok, err := repo.GetSetting(ctx, "server_name"); err == nil && !ok {
		if err := repo.SetSetting(ctx, "server_name", "speakeasy server"); err != nil {
			slog.Warn("seed server_name failed", "err", err)
		}
	}
	channels, err := repo.ListChannels(ctx)
	if err == nil && len(channels) == 0 {
		c := &model.Channel{Name: "General", Kind: model.ChannelText, Default: true}
		if err := repo.CreateChannel(ctx, c); err != nil {
			slog.Warn("seed default channel failed", "err", err)
		}
	}
	if tokens, err := repo.ListAPITokens(ctx); err == nil && len(tokens) == 0 {
		token, prefix, err := auth.GenerateToken(8)
		if err != nil {
			slog.Warn("generate bootstrap api token failed", "err", err)
			return
		}
		verifier, err := auth.HashSecret(token)
		if err != nil {
			slog.Warn("hash bootstrap api token failed", "err", err)
			return
		}
		t := &model.APIToken{Prefix: prefix, Verifier: verifier, Label: "bootstrap"}
		if err := repo.CreateAPIToken(ctx, t); err != nil {
			slog.Warn("create bootstrap api token failed", "err", err)
			return
		}
		fmt.Printf("Commander bootstrap API token (save this, it will not be shown again): %s\n", token)
	}
}

// sweepSemiPermanentChannels destroys every channel flagged
// model.SemiPermanent on each process start, after seedDefaults and
// migrations have run, per the channel lifecycle: semi_permanent
// channels live for exactly one server run and never survive a restart.
func sweepSemiPermanentChannels(repo store.Repository) {
	ctx := context.Background()
	channels, err := repo.ListChannels(ctx)
	if err != nil {
		slog.Warn("sweep semi_permanent channels: list failed", "err", err)
		return
	}
	for _, c := range channels {
		if c.Persistence != model.SemiPermanent {
			continue
		}
		if err := repo.DeleteChannel(ctx, c.ID); err != nil {
			slog.Warn("sweep semi_permanent channel failed", "channel_id", c.ID, "err", err)
		}
	}
}

// auditAdapter satisfies plugin.AuditLogger directly against the
// Repository, letting the Plugin Host exist before Commander's
// Operations (which also implements AuditLogger) is constructed.
type auditAdapter struct {
	repo store.Repository
}

func (a *auditAdapter) Audit(ctx context.Context, actor, action, detail string) {
	var actorID *uuid.UUID
	if id, err := uuid.Parse(actor); err == nil {
		actorID = &id
	}
	_ = a.repo.AppendAudit(ctx, &model.AuditLogEntry{
		ActorID: actorID,
		Action:  action,
		Details: map[string]any{"detail": detail},
	})
}

// sessionAdapter satisfies commander.SessionManager by projecting
// signaling.Hub's native SessionInfo into Commander's ClientInfo view,
// the way the teacher's api.go adapted room.go's client registry into
// its own REST DTOs.
type sessionAdapter struct {
	hub *signaling.Hub
}

func (a *sessionAdapter) KickUser(ctx context.Context, userID uuid.UUID, reason string) error {
	return a.hub.KickUser(ctx, userID, reason)
}

func (a *sessionAdapter) MoveUser(ctx context.Context, userID, channelID uuid.UUID) error {
	return a.hub.MoveUser(ctx, userID, channelID)
}

func (a *sessionAdapter) PokeUser(ctx context.Context, userID uuid.UUID, message string) error {
	return a.hub.PokeUser(ctx, userID, message)
}

func (a *sessionAdapter) ListClients(ctx context.Context) []commander.ClientInfo {
	sessions := a.hub.ListSessions(ctx)
	out := make([]commander.ClientInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, commander.ClientInfo{
			UserID:    s.UserID,
			Username:  s.Username,
			ChannelID: s.ChannelID,
			RemoteIP:  s.RemoteIP,
			JoinedAt:  s.ConnectedAt,
		})
	}
	return out
}

// chatWriteFunc adapts plugin.HostEnv's string-keyed ChatWrite into a
// system-authored post on hub, parsing the channel id at the boundary so
// internal/signaling never needs to know about the wasm ABI.
func chatWriteFunc(hub *signaling.Hub) func(ctx context.Context, channelID, content string) error {
	return func(ctx context.Context, channelID, content string) error {
		id, err := uuid.Parse(channelID)
		if err != nil {
			return fmt.Errorf("chat_write: invalid channel id %q: %w", channelID, err)
		}
		return hub.PostSystemMessage(ctx, id, content)
	}
}

func moderateFunc(hub *signaling.Hub) func(ctx context.Context, action, userID, reason string) error {
	return func(ctx context.Context, action, userID, reason string) error {
		id, err := uuid.Parse(userID)
		if err != nil {
			return fmt.Errorf("moderate: invalid user id %q: %w", userID, err)
		}
		return hub.Moderate(ctx, action, id, reason)
	}
}
