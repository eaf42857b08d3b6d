package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/rapport/internal/authstore"
	"github.com/pavelanni/rapport/internal/backup"
	"github.com/pavelanni/rapport/internal/catalog"
	"github.com/pavelanni/rapport/internal/handler"
	appI18n "github.com/pavelanni/rapport/internal/i18n"
	"github.com/pavelanni/rapport/internal/llm"
	"github.com/pavelanni/rapport/internal/metrics"
	"github.com/pavelanni/rapport/internal/model"
	"github.com/pavelanni/rapport/internal/store"
)

const (
	shutdownTimeout        = 15 * time.Second
	sessionCleanupInterval = time.Hour
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rapport",
		Short: "Conversation technique exercises with teacher feedback",
		PersistentPreRun: func(*cobra.Command, []string) {
			loadDotEnv()
		},
	}

	serve := serveCmd()
	root.AddCommand(serve, exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `rapport --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.StringP("catalog", "c", "exercises/exercises_en.json", "Exercise catalog JSON file")
	f.String("backup-dir", "backups", "Directory for database snapshots")
	f.Duration("backup-interval", 10*time.Second, "How often to check for changes and save a snapshot")
	f.Int("backup-keep", 0, "Number of snapshots to keep (0 = all)")
	f.String("auth-db", "rapport.db", "SQLite database for login sessions")
	f.String("llm-url", "", "OpenAI-compatible API base URL (empty = OpenAI)")
	f.String("llm-key", "", "API key for the LLM (or set OPENAI_API_KEY)")
	f.String("llm-model", llm.NoModel, "Default model for feedback drafts (none = disabled)")
	f.StringSlice("llm-models", nil, "Models the teacher may pick from (empty = any)")
	f.Duration("draft-timeout", 20*time.Second, "Upper bound on one feedback draft request")
	f.Duration("poll-interval", 500*time.Millisecond, "How often long-polls re-check for changes")
	f.Duration("wait-timeout", 25*time.Second, "How long a long-poll request waits before returning")
	f.String("gate-mode", string(store.GateSubmitted), "What opens the next question (submitted, feedback)")
	f.StringSlice("gate-bypass", nil, "Participants allowed to answer any question (for dry runs)")
	f.Bool("timer", true, "Enable answer countdowns")
	f.StringP("lang", "l", "en", "Fallback language for messages (en, fr)")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /fr)")
	f.Bool("secure-cookies", true, "Set Secure flag on session cookies")
	f.String("mirror-endpoint", "", "S3-compatible endpoint snapshots are mirrored to (empty = off)")
	f.String("mirror-bucket", "rapport-backups", "Bucket for mirrored snapshots")
	f.String("mirror-prefix", "", "Object name prefix for mirrored snapshots (e.g. class-a/)")
	f.String("mirror-access-key", "", "Access key for the mirror endpoint")
	f.String("mirror-secret-key", "", "Secret key for the mirror endpoint")
	f.Bool("mirror-ssl", true, "Use TLS for the mirror endpoint")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the newest snapshot as class results JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("backup-dir", "backups", "Directory for database snapshots")
	f.StringP("catalog", "c", "exercises/exercises_en.json", "Exercise catalog JSON file")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

// loadDotEnv reads .env into the environment. Variables already set win.
func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("error reading .env file", "error", err)
	}
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("RAPPORT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("rapport")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/rapport")
	v.AddConfigPath("/etc/rapport")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	catalogPath := v.GetString("catalog")
	cat, raw, err := catalog.Load(catalogPath)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	auth, err := authstore.New(v.GetString("auth-db"))
	if err != nil {
		return fmt.Errorf("open auth database: %w", err)
	}
	defer auth.Close()
	checkCatalogFingerprint(auth, catalogPath, raw)

	gate, ok := store.ParseGateMode(v.GetString("gate-mode"))
	if !ok {
		return fmt.Errorf("invalid gate mode %q (want submitted or feedback)", v.GetString("gate-mode"))
	}
	storeOpts := []store.Option{
		store.WithGateMode(gate),
		store.WithGateBypass(v.GetStringSlice("gate-bypass")...),
		store.WithTimer(v.GetBool("timer")),
		store.WithPollInterval(v.GetDuration("poll-interval")),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backupOpts := []backup.Option{backup.WithKeep(v.GetInt("backup-keep"))}
	if mirror := newMirror(ctx, v); mirror != nil {
		backupOpts = append(backupOpts, backup.WithMirror(mirror))
	}
	backups := backup.New(v.GetString("backup-dir"), backupOpts...)
	db, _ := backups.Restore(cat, storeOpts...)

	if err := metrics.RegisterStoreGauges(prometheus.DefaultRegisterer,
		func() int { return len(db.QuestionsNeedingFeedback()) },
		func() int { return len(db.Participants()) },
	); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	drafter := newDrafter(ctx, v)

	basePath := normalizeBasePath(v.GetString("base-path"))
	cfg := model.Config{
		DefaultModel:  v.GetString("llm-model"),
		Models:        v.GetStringSlice("llm-models"),
		DraftTimeout:  v.GetDuration("draft-timeout"),
		PollInterval:  v.GetDuration("poll-interval"),
		WaitTimeout:   v.GetDuration("wait-timeout"),
		BasePath:      basePath,
		SecureCookies: v.GetBool("secure-cookies"),
	}
	h := handler.New(db, auth, drafter, cfg)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	if basePath != "" {
		r.Route(basePath, func(sub chi.Router) {
			sub.Use(h.BasePathMiddleware)
			h.Routes(sub)
		})
		r.Get(basePath, func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, basePath+"/", http.StatusMovedPermanently)
		})
	} else {
		r.Use(h.BasePathMiddleware)
		h.Routes(r)
	}

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	slog.Info("starting server",
		"addr", addr,
		"catalog", catalogPath,
		"exercises", cat.Len(),
		"participants", len(db.Participants()),
		"gate_mode", gate,
		"model", cfg.DefaultModel,
		"lang", lang,
		"base_path", basePath,
	)
	return serve(ctx, srv, ln, backups, db, v.GetDuration("backup-interval"), auth)
}

// serve runs the HTTP server, the autosaver and session cleanup until ctx
// ends. The autosaver stops only after the server has drained, so its final
// snapshot includes every request that completed during shutdown.
func serve(ctx context.Context, srv *http.Server, ln net.Listener, backups *backup.Dir,
	db *store.Database, interval time.Duration, auth *authstore.Store) error {
	saveCtx, stopSaving := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSaving()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		backups.Run(saveCtx, db, interval)
		return nil
	})
	g.Go(func() error {
		cleanupSessions(gctx, auth)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		stopSaving()
		return err
	})
	return g.Wait()
}

// checkCatalogFingerprint records the catalog hash and warns when it changed
// since the last start. Existing grids are extended, never truncated.
func checkCatalogFingerprint(auth *authstore.Store, path string, raw []byte) {
	hash := sha256sum(raw)
	stored, err := auth.CatalogHash(path)
	if err != nil {
		slog.Warn("failed to read catalog fingerprint", "error", err)
		return
	}
	if stored != "" && stored != hash {
		slog.Warn("catalog changed since last start; participant grids will be extended", "path", path)
	}
	if stored != hash {
		if err := auth.SetCatalogHash(path, hash); err != nil {
			slog.Warn("failed to record catalog fingerprint", "error", err)
		}
	}
}

// newMirror connects to the snapshot mirror. Snapshots stay local when the
// endpoint is unset or unreachable.
func newMirror(ctx context.Context, v *viper.Viper) backup.Mirror {
	endpoint := v.GetString("mirror-endpoint")
	if endpoint == "" {
		return nil
	}
	cfg := mirrorConfig(v)
	mctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	m, err := backup.NewMinioMirror(mctx, cfg)
	if err != nil {
		slog.Warn("snapshot mirror disabled", "endpoint", endpoint, "error", err)
		return nil
	}
	slog.Info("mirroring snapshots", "endpoint", endpoint, "bucket", cfg.Bucket, "prefix", cfg.Prefix)
	return m
}

func mirrorConfig(v *viper.Viper) backup.MinioConfig {
	return backup.MinioConfig{
		Endpoint:        v.GetString("mirror-endpoint"),
		AccessKeyID:     v.GetString("mirror-access-key"),
		SecretAccessKey: v.GetString("mirror-secret-key"),
		Bucket:          v.GetString("mirror-bucket"),
		Prefix:          v.GetString("mirror-prefix"),
		UseSSL:          v.GetBool("mirror-ssl"),
	}
}

// newDrafter creates the feedback draft helper. An unreachable endpoint is
// only a warning: the teacher can always write feedback by hand.
func newDrafter(ctx context.Context, v *viper.Viper) *llm.Drafter {
	key := v.GetString("llm-key")
	if key == "" {
		key = os.Getenv("OPENAI_API_KEY")
	}
	url := v.GetString("llm-url")
	if key == "" && url == "" {
		slog.Info("no LLM endpoint configured, feedback drafts disabled")
		return nil
	}

	client := llm.New(url, key)
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pctx); err != nil {
		slog.Warn("LLM health check failed, drafts may be unavailable", "url", url, "error", err)
	} else {
		slog.Info("LLM endpoint OK", "url", url, "model", v.GetString("llm-model"))
	}
	return llm.NewDrafter(client, v.GetDuration("draft-timeout"))
}

func cleanupSessions(ctx context.Context, auth *authstore.Store) {
	ticker := time.NewTicker(sessionCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := auth.CleanupExpiredSessions(); err != nil {
				slog.Warn("failed to clean up expired sessions", "error", err)
			}
		}
	}
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	cat, _, err := catalog.Load(v.GetString("catalog"))
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	backups := backup.New(v.GetString("backup-dir"))
	if _, ok, err := backups.Latest(); err != nil {
		return fmt.Errorf("list snapshots: %w", err)
	} else if !ok {
		return fmt.Errorf("no snapshot found in %s", backups.Path())
	}
	db, info := backups.Restore(cat)
	if info.Err != nil {
		return fmt.Errorf("restore snapshot: %w", info.Err)
	}

	export := model.ClassExport{
		GeneratedAt:  time.Now().UTC(),
		Backup:       info.Path,
		Participants: db.Export(),
		Stats:        db.Stats(),
	}
	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	slog.Info("exported class results", "snapshot", info.Path, "participants", len(export.Participants))
	return nil
}

func normalizeBasePath(p string) string {
	p = strings.TrimRight(strings.TrimSpace(p), "/")
	if p != "" && !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
