// ABOUTME: Gateway orchestrator wiring channels, dispatcher, and HTTP API
// ABOUTME: Manages listeners (TCP or tsnet), retention jobs, and shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/relay-gateway/internal/approval"
	"github.com/2389/relay-gateway/internal/channel"
	"github.com/2389/relay-gateway/internal/client"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/discord"
	"github.com/2389/relay-gateway/internal/dispatch"
	"github.com/2389/relay-gateway/internal/router"
	"github.com/2389/relay-gateway/internal/slack"
	"github.com/2389/relay-gateway/internal/store"
	"github.com/2389/relay-gateway/internal/telegram"
)

// inboundBuffer bounds how many channel messages can sit between the
// adapters and the dispatcher before adapters block.
const inboundBuffer = 256

// adapterRestartDelay is how long a crashed adapter waits before
// reconnecting to its platform.
const adapterRestartDelay = 5 * time.Second

// Gateway orchestrates the relay-gateway components: channel adapters on
// one side, the backend client and dispatcher in the middle, and the
// operator HTTP API on top.
type Gateway struct {
	config      *config.Config
	store       store.Store
	backend     *client.Client
	dispatcher  *dispatch.Dispatcher
	channels    map[string]channel.Channel
	routing     router.Config
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	cron        *cron.Cron
	inbound     chan channel.InboundMessage
	logger      *slog.Logger
	startedAt   time.Time
}

// initStore creates the store from config, honoring RELAY_DB_PATH.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Gateway.StorePath
	if envPath := os.Getenv("RELAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// buildChannels constructs one adapter per enabled channel.
func buildChannels(cfg *config.Config) map[string]channel.Channel {
	channels := make(map[string]channel.Channel)
	if cfg.Channels.Telegram.Enabled {
		a := telegram.New(cfg.Channels.Telegram.BotToken)
		channels[a.Type()] = a
	}
	if cfg.Channels.Slack.Enabled {
		a := slack.New(cfg.Channels.Slack.BotToken, cfg.Channels.Slack.AppToken)
		channels[a.Type()] = a
	}
	if cfg.Channels.Discord.Enabled {
		a := discord.New(cfg.Channels.Discord.BotToken)
		channels[a.Type()] = a
	}
	return channels
}

// routingConfig converts the file-level routing section into router rules.
func routingConfig(cfg *config.Config) router.Config {
	rc := router.Config{DMScope: router.DMScope(cfg.Routing.DMScope)}
	for _, b := range cfg.Routing.Bindings {
		rc.Bindings = append(rc.Bindings, router.Binding{
			Channel:    b.Channel,
			Direct:     b.Direct,
			Group:      b.Group,
			RoutingKey: b.RoutingKey,
		})
	}
	return rc
}

// New creates a Gateway from the given configuration. The returned gateway
// owns the store and dispatcher; Run starts everything else.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	mode, err := approval.ParseMode(cfg.Gateway.ApprovalMode)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("approval mode: %w", err)
	}
	policy, err := approval.NewPolicy(mode, cfg.Gateway.ApprovalAllowlist)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("approval policy: %w", err)
	}

	backend := client.New(cfg.Backend.URL, cfg.Backend.Token)
	channels := buildChannels(cfg)

	g := &Gateway{
		config:    cfg,
		store:     s,
		backend:   backend,
		channels:  channels,
		routing:   routingConfig(cfg),
		cron:      cron.New(),
		inbound:   make(chan channel.InboundMessage, inboundBuffer),
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
	}

	out := &channelOutbound{channels: channels, logger: logger.With("component", "outbound")}
	g.dispatcher = dispatch.New(s, &backendAdapter{backend}, out, policy, g.routing, dispatch.Options{
		Model:              cfg.Gateway.Model,
		TitleTemplate:      cfg.Gateway.TitleTemplate,
		DeliveryContextTTL: cfg.Gateway.DeliveryContextTTL,
		DedupeTTL:          cfg.Gateway.DedupeTTL,
	})

	g.httpServer = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := g.scheduleRetention(); err != nil {
		_ = s.Close()
		return nil, err
	}

	return g, nil
}

// backendAdapter narrows *client.Client to the dispatch.Backend contract.
// SubscribeEvents needs the wrap because Go does not convert the concrete
// *client.EventStream return into the dispatch.EventSource interface.
type backendAdapter struct {
	*client.Client
}

func (b *backendAdapter) SubscribeEvents(ctx context.Context, sessionID string, after uint64) (dispatch.EventSource, error) {
	return b.Client.SubscribeEvents(ctx, sessionID, after)
}

// scheduleRetention registers the hourly pruning jobs.
func (g *Gateway) scheduleRetention() error {
	if _, err := g.cron.AddFunc("@hourly", g.pruneSessions); err != nil {
		return fmt.Errorf("scheduling session pruning: %w", err)
	}
	if _, err := g.cron.AddFunc("@every 10m", g.pruneDeliveryContexts); err != nil {
		return fmt.Errorf("scheduling delivery context pruning: %w", err)
	}
	return nil
}

func (g *Gateway) pruneSessions() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := g.store.PruneSessions(ctx, g.config.Gateway.PruneAfter)
	if err != nil {
		g.logger.Error("session pruning failed", "error", err)
		return
	}
	if n > 0 {
		g.logger.Info("pruned idle sessions", "removed", n, "max_age", g.config.Gateway.PruneAfter)
	}
}

func (g *Gateway) pruneDeliveryContexts() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := g.store.PruneDeliveryContexts(ctx)
	if err != nil {
		g.logger.Error("delivery context pruning failed", "error", err)
		return
	}
	if n > 0 {
		g.logger.Info("pruned expired delivery contexts", "removed", n)
	}
}

// Run starts the adapters, the inbound pump, the retention jobs, and the
// HTTP server, then blocks until the context is canceled or a listener
// fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	g.startAdapters(ctx)
	go g.pumpInbound(ctx)
	g.cron.Start()

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// startAdapters launches one goroutine per channel adapter. A crashed
// adapter reconnects after a delay until the context is canceled.
func (g *Gateway) startAdapters(ctx context.Context) {
	for _, a := range g.channels {
		go func(a channel.Channel) {
			logger := g.logger.With("channel", a.Type())
			for {
				logger.Info("starting channel adapter", "name", a.DisplayName())
				err := a.Start(ctx, g.inbound)
				if ctx.Err() != nil {
					return
				}
				logger.Error("channel adapter stopped, restarting", "error", err, "delay", adapterRestartDelay)
				select {
				case <-ctx.Done():
					return
				case <-time.After(adapterRestartDelay):
				}
			}
		}(a)
	}
}

// pumpInbound feeds adapter messages into the dispatcher until the context
// is canceled. Dispatch errors are logged, never fatal: one bad message
// must not take the pump down.
func (g *Gateway) pumpInbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-g.inbound:
			if err := g.dispatcher.HandleInbound(ctx, msg); err != nil {
				g.logger.Error("inbound dispatch failed",
					"channel", msg.ChannelType,
					"routing_error", err,
				)
			}
		}
	}
}

// setupListener creates the HTTP listener from config (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.HTTP.Addr != "" {
			g.logger.Warn("http.addr is ignored when tailscale is enabled", "addr", g.config.HTTP.Addr)
		}
		return g.setupTailscaleListener(ctx)
	}

	g.logger.Info("starting gateway", "http_addr", g.config.HTTP.Addr)
	ln, err := net.Listen("tcp", g.config.HTTP.Addr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using a default
// under the user's home if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "relay-gateway", "tailscale"), nil
}

// setupTailscaleListener creates a tsnet node and listens on it.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	if tsCfg.AuthKey == "" {
		return nil, errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   tsCfg.AuthKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, retention jobs, dispatcher, and store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	cronCtx := g.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	}

	g.dispatcher.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
