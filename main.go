// Command chat-archiver performs one check-and-archive cycle and exits.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Fetches unread Discord channel messages after the stored cursor,
//     renders them into one HTML artifact, persists it (local dir or GCS),
//     and advances the cursor.
//   - Emits a structured run result and pushes metrics if configured.
//
// The process is stateless; an external scheduler invokes it on an
// interval and reads the binary exit status.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/onnwee/chat-archiver/archive"
	"github.com/onnwee/chat-archiver/config"
	"github.com/onnwee/chat-archiver/db"
	"github.com/onnwee/chat-archiver/discordapi"
	"github.com/onnwee/chat-archiver/ratelimit"
	"github.com/onnwee/chat-archiver/run"
	"github.com/onnwee/chat-archiver/telemetry"
)

func main() {
	os.Exit(realMain())
}

// realMain holds the whole cycle so its defers (tracer flush, DB close)
// run before the process exits; os.Exit skips deferred functions.
func realMain() int {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

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

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		return 1
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", slog.Any("err", err))
		return 1
	}

	// Metrics / telemetry init
	telemetry.Init()

	shutdown, err := telemetry.InitTracing("chat-archiver", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		return 1
	}
	defer shutdown()

	// DB
	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		return 1
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; fall back to embedded SQL when the
	// migrations directory isn't shipped with the binary.
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations unavailable, using embedded SQL", slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			return 1
		}
	}

	// Root context: external cancellation (SIGINT/SIGTERM) plus the run's
	// wall-clock ceiling. A killed run is a FAILED run with no cursor
	// advance, which the at-least-once design tolerates.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.RunTimeout)
	defer cancel()

	runID := uuid.New().String()
	ctx = telemetry.WithRunID(ctx, runID)
	logger := telemetry.LoggerWithRun(ctx)
	logger.Info("starting archive run", slog.String("channel_id", cfg.DiscordChannelID))

	accountant := &ratelimit.Accountant{LowWater: cfg.RateLowWater}
	client := &discordapi.Client{
		Token:       cfg.DiscordBotToken,
		HTTPClient:  &http.Client{Timeout: 30 * time.Second},
		Recorder:    meteredRecorder{accountant},
		MaxAttempts: cfg.FetchMaxAttempts,
	}

	formatter, err := archive.NewFormatter(cfg.Timezone)
	if err != nil {
		logger.Error("formatter init failed", slog.Any("err", err))
		return 1
	}
	var store archive.Store
	if cfg.GCSBucket != "" {
		gcs, err := archive.NewGCSStore(ctx, cfg.GCSBucket)
		if err != nil {
			logger.Error("gcs store init failed", slog.Any("err", err))
			return 1
		}
		store = gcs
	} else {
		store = &archive.FSStore{Dir: cfg.DataDir}
	}

	res := run.Run(ctx, run.Deps{
		ChannelID: cfg.DiscordChannelID,
		PageSize:  cfg.FetchPageSize,
		Source:    client,
		Cursor:    pgCursor{db: database, channel: cfg.DiscordChannelID},
		Assembler: &archive.Assembler{
			Formatter: formatter,
			Store:     store,
			ChannelID: cfg.DiscordChannelID,
		},
		Accountant: accountant,
	})

	// Run history and the structured per-run result. History insertion is
	// best-effort; the exit code reflects the run itself.
	record := db.RunRecord{
		ChannelID:    res.ChannelID,
		StartedAt:    res.StartedAt,
		FinishedAt:   res.FinishedAt,
		State:        string(res.State),
		MessageCount: res.Found,
		ArtifactPath: res.ArtifactPath,
	}
	if res.Err != nil {
		record.Error = res.Err.Error()
	}
	recordCtx, recordCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer recordCancel()
	if err := db.InsertRun(recordCtx, database, record); err != nil {
		logger.Warn("failed to record run history", slog.Any("err", err))
	}

	logger.Info("message check completed",
		slog.String("state", string(res.State)),
		slog.String("channel_id", res.ChannelID),
		slog.Int("unread_count", res.Found),
		slog.Bool("file_created", res.ArtifactCreated),
		slog.String("artifact_path", res.ArtifactPath),
		slog.String("last_read_id", res.Cursor),
		slog.String("new_last_read_id", res.NewCursor),
		slog.Int("api_calls", res.Rate.Calls),
		slog.Int("rate_remaining", res.Rate.Remaining),
		slog.Bool("rate_backoff", res.Rate.ShouldBackoff),
	)

	if telemetry.RunDuration != nil && !res.FinishedAt.IsZero() {
		telemetry.RunDuration.Observe(res.FinishedAt.Sub(res.StartedAt).Seconds())
	}
	telemetry.PushMetrics(recordCtx, cfg.MetricsPushURL, "chat_archiver")

	return res.ExitCode()
}

// pgCursor binds the db cursor helpers to one channel for the orchestrator.
type pgCursor struct {
	db      *sql.DB
	channel string
}

func (c pgCursor) Get(ctx context.Context) (string, bool, error) {
	return db.GetCursor(ctx, c.db, c.channel)
}

func (c pgCursor) Set(ctx context.Context, messageID string) error {
	return db.SetCursor(ctx, c.db, c.channel, messageID)
}

// meteredRecorder counts API calls into Prometheus alongside the
// accountant's own bookkeeping.
type meteredRecorder struct {
	acct *ratelimit.Accountant
}

func (m meteredRecorder) Record(s ratelimit.Sample) ratelimit.Snapshot {
	telemetry.IncAPICalls()
	snap := m.acct.Record(s)
	telemetry.SetRateRemaining(snap.Remaining)
	return snap
}

func (m meteredRecorder) ShouldBackoff() bool { return m.acct.ShouldBackoff() }
