package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	s3blob "github.com/arbnet/coordinator/internal/blob/s3"
	"github.com/arbnet/coordinator/internal/config"
	"github.com/arbnet/coordinator/internal/domain"
	"github.com/arbnet/coordinator/internal/leader"
	"github.com/arbnet/coordinator/internal/notify"
	"github.com/arbnet/coordinator/internal/store/postgres"
	streamredis "github.com/arbnet/coordinator/internal/stream/redis"
)

// Dependencies bundles the infrastructure every operating mode draws from.
// It is constructed by Wire and torn down by the returned cleanup function;
// the modes construct and run the domain components (router, engine, feeds)
// on top of it.
type Dependencies struct {
	Redis       *streamredis.Client
	Bus         *streamredis.StreamBus
	RateLimiter domain.RateLimiter

	// Leader is what the consumer consults; Elector is non-nil only when a
	// mode must also run the acquire/renew loop.
	Leader  domain.LeaderElector
	Elector *leader.Elector

	// Forwarding archive (optional).
	Postgres *postgres.Client
	Archive  *postgres.ArchiveStore

	// DLQ fallback shipping (optional).
	S3          *s3blob.Client
	BlobWriter  domain.BlobWriter
	BlobLister  domain.BlobLister
	DLQArchiver *s3blob.Archiver

	Notifier *notify.Notifier

	// Alerts fans operational alerts from the router and pumps into the
	// notifier. Senders must not block: use a non-blocking send.
	Alerts chan domain.Alert

	InstanceID string
}

// forwardingMode reports whether mode runs the router half, which is what
// leadership, the forwarding archive and DLQ shipping exist for.
func forwardingMode(mode string) bool {
	switch mode {
	case "coordinator", "full":
		return true
	default:
		return false
	}
}

// needsArchive reports whether mode touches the forwarding archive. The
// server mode reads it for the archive endpoints without ever writing.
func needsArchive(mode string) bool {
	return forwardingMode(mode) || mode == "server"
}

// Wire constructs all concrete infrastructure from the given configuration
// and returns it together with a cleanup function that must be called on
// shutdown to release connections.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		InstanceID: instanceID(cfg),
		Alerts:     make(chan domain.Alert, 64),
	}

	// --- Redis: stream bus, rate limiter, leader lease ---
	redisClient, err := streamredis.New(ctx, streamredis.ClientConfig{
		URL:        cfg.Redis.URL,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Redis = redisClient
	deps.Bus = streamredis.NewStreamBus(redisClient, cfg.Streams.DefaultMaxLen)
	deps.RateLimiter = streamredis.NewRateLimiter(redisClient)

	// --- Leadership ---
	// Non-forwarding modes never lead; a server-only instance acquiring the
	// lease would starve the real coordinator.
	switch {
	case !forwardingMode(cfg.Mode):
		deps.Leader = leader.Static(false)
	case !cfg.Leader.Enabled:
		deps.Leader = leader.Static(true)
	default:
		elector := leader.New(redisClient, leader.Config{
			Key:   cfg.Leader.Key,
			TTL:   time.Duration(cfg.Leader.TTLMs) * time.Millisecond,
			Renew: time.Duration(cfg.Leader.RenewMs) * time.Millisecond,
		}, logger)
		deps.Leader = elector
		deps.Elector = elector
	}

	// --- PostgreSQL forwarding archive (optional) ---
	if cfg.Archive.Enabled && needsArchive(cfg.Mode) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Archive.DSN,
			MaxConns: cfg.Archive.PoolMaxConns,
			MinConns: cfg.Archive.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}

		deps.Postgres = pgClient
		deps.Archive = postgres.NewArchiveStore(pgClient.Pool(), postgres.ArchiveStoreConfig{
			RetentionDays: cfg.Archive.RetentionDays,
		}, logger)
	}

	// --- S3 DLQ shipping (optional) ---
	if cfg.S3.Enabled && needsArchive(cfg.Mode) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.S3 = s3Client
		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobLister = s3blob.NewLister(s3Client)
		deps.DLQArchiver = s3blob.NewArchiver(s3blob.ArchiverConfig{
			Dir:       cfg.Router.DLQDir,
			KeyPrefix: cfg.S3.Prefix,
		}, deps.BlobWriter, deps.BlobLister, logger)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// instanceID resolves this process's identity: the configured id when set,
// otherwise hostname plus a random suffix so parallel instances on one host
// stay distinguishable in stream consumer names and forwardedBy stamps.
func instanceID(cfg *config.Config) string {
	if cfg.InstanceID != "" {
		return cfg.InstanceID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "coordinator"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
