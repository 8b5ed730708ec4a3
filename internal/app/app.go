package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	server "openplace/server"
	"openplace/server/internal/archive"
	servernet "openplace/server/internal/net"
	"openplace/server/internal/store"
	"openplace/server/logging"
	loggingSinks "openplace/server/logging/sinks"
)

type Config struct {
	Addr    string
	DataDir string
	Logger  *log.Logger
}

func DefaultConfig() Config {
	return Config{
		Addr:    ":8080",
		DataDir: "data",
	}
}

// Run wires the whole server together and blocks until ctx is cancelled or
// the listener fails.
func Run(ctx context.Context, cfg Config) error {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	if raw := os.Getenv("OPENPLACE_ADDR"); raw != "" {
		cfg.Addr = raw
	}
	if raw := os.Getenv("OPENPLACE_DATA_DIR"); raw != "" {
		cfg.DataDir = raw
	}

	logConfig := logging.DefaultConfig()
	if raw := os.Getenv("OPENPLACE_LOG_SINKS"); raw != "" {
		logConfig.EnabledSinks = strings.Split(raw, ",")
	}
	sinks := []logging.NamedSink{}
	if logConfig.HasSink("console") {
		sinks = append(sinks, logging.NamedSink{Name: "console", Sink: loggingSinks.NewConsoleSink(os.Stdout, logConfig.Console)})
	}
	if logConfig.HasSink("json") {
		path := os.Getenv("OPENPLACE_LOG_JSON_PATH")
		if path == "" {
			path = filepath.Join(cfg.DataDir, "events.ndjson")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open json log: %w", err)
		}
		defer file.Close()
		sinks = append(sinks, logging.NamedSink{Name: "json", Sink: loggingSinks.NewJSON(file, logConfig.JSON.FlushInterval)})
	}
	router, err := logging.NewRouter(logging.SystemClock{}, logConfig, sinks)
	if err != nil {
		return fmt.Errorf("construct logging router: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if cerr := router.Close(closeCtx); cerr != nil {
			logger.Printf("close logging router: %v", cerr)
		}
	}()

	hubCfg := server.DefaultHubConfig()
	hubCfg.BoardPath = filepath.Join(cfg.DataDir, "board.dat")
	if v, ok := envInt(logger, "OPENPLACE_WIDTH"); ok {
		hubCfg.Width = v
	}
	if v, ok := envInt(logger, "OPENPLACE_HEIGHT"); ok {
		hubCfg.Height = v
	}
	if v, ok := envInt(logger, "OPENPLACE_COOLDOWN_SECONDS"); ok {
		hubCfg.CooldownInterval = time.Duration(v) * time.Second
	}
	if v, ok := envInt(logger, "OPENPLACE_BASE_QUOTA"); ok {
		hubCfg.BaseQuota = v
	}
	if v, ok := envInt(logger, "OPENPLACE_QUOTA_SCALE"); ok {
		hubCfg.QuotaScale = v
	}
	if v, ok := envInt(logger, "OPENPLACE_SAVE_SECONDS"); ok {
		hubCfg.SaveInterval = time.Duration(v) * time.Second
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := store.OpenDB(filepath.Join(cfg.DataDir, "openplace.db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	st := store.New(db)

	grid, err := recoverBoard(ctx, hubCfg, st, router, logger)
	if err != nil {
		return err
	}

	hub := server.NewHub(hubCfg, grid, st, router, logger)

	stop := make(chan struct{})
	go hub.RunSaver(stop)

	archiver := archive.New(grid, archive.Config{
		Dir:       filepath.Join(cfg.DataDir, "frames"),
		Interval:  archiveInterval(logger),
		Logger:    logger,
		Publisher: router,
	})
	go archiver.Run(stop)

	handler := servernet.NewHTTPHandler(hub, servernet.HTTPHandlerConfig{
		Logger:   logger,
		Resolver: &server.StoreResolver{Store: st},
		Router:   router,
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: handler}
	logger.Printf("server listening on %s (board %dx%d)", cfg.Addr, grid.Width(), grid.Height())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Printf("http shutdown: %v", err)
		}
		close(stop)
		hub.FlushBoard()
		return nil
	case err := <-errCh:
		close(stop)
		hub.FlushBoard()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	}
}

// recoverBoard loads the persisted board and reconciles it with the durable
// pixel map. A corrupt file has already been copied aside by the loader; the
// server then continues on a fresh board of the configured size rather than
// refusing to start.
func recoverBoard(ctx context.Context, cfg server.HubConfig, st *store.Store, publisher logging.Publisher, logger *log.Logger) (*server.Grid, error) {
	var grid *server.Grid

	cells, width, height, err := store.LoadBoard(cfg.BoardPath)
	switch {
	case err == nil:
		grid, err = server.GridFromBytes(width, height, cells)
		if err != nil {
			return nil, fmt.Errorf("load board: %w", err)
		}
	case errors.Is(err, store.ErrBoardNotFound):
		grid, err = server.NewGrid(cfg.Width, cfg.Height)
		if err != nil {
			return nil, err
		}
	case errors.Is(err, store.ErrBoardFormat):
		logger.Printf("board file corrupt, backed up and starting fresh: %v", err)
		publisher.Publish(ctx, logging.Event{
			Type:     logging.EventBoardRecovered,
			Actor:    logging.ActorRef{Kind: logging.ActorKindSystem},
			Severity: logging.SeverityWarn,
			Category: logging.CategoryPersistence,
			Payload:  map[string]any{"error": err.Error()},
		})
		grid, err = server.NewGrid(cfg.Width, cfg.Height)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("load board: %w", err)
	}

	// The placement log may be ahead of the last board flush; the
	// current-color table wins cell by cell.
	placements, err := st.PixelMap(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pixel map: %w", err)
	}
	replayed := 0
	for _, p := range placements {
		if err := grid.Set(p.X, p.Y, p.Color); err != nil {
			continue
		}
		replayed++
	}
	if replayed > 0 {
		logger.Printf("replayed %d cells from the pixel map", replayed)
	}
	return grid, nil
}

func envInt(logger *log.Logger, key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logger.Printf("invalid %s=%q: %v", key, raw, err)
		return 0, false
	}
	return value, true
}

func archiveInterval(logger *log.Logger) time.Duration {
	if v, ok := envInt(logger, "OPENPLACE_ARCHIVE_MINUTES"); ok && v > 0 {
		return time.Duration(v) * time.Minute
	}
	return 5 * time.Minute
}
