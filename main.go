package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/robfig/cron/v3"
	zlog "github.com/rs/zerolog/log"
)

// Build information. Populated at build-time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
	builtBy = "unknown"
)

// =============================================================================
// MAIN APPLICATION
// =============================================================================

type NoteKeepApp struct {
	config    Config
	ctx       context.Context
	cancel    context.CancelFunc
	db        *Database
	service   *LinkService
	checker   *LinkChecker
	poller    *TelegramPoller
	webServer *WebServer
	scheduler *cron.Cron
}

func newNoteKeepApp(cfg Config) (*NoteKeepApp, error) {
	zlog.Info().Msg("Starting notekeep service")

	ctx, cancel := context.WithCancel(context.Background())

	db, err := newDatabase(cfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	service := newLinkService(cfg, db, nil)
	checker := newLinkChecker(cfg, db, nil)
	poller := newTelegramPoller(cfg, db, service, nil)
	webServer := newWebServer(cfg, db, service, checker)

	return &NoteKeepApp{
		config:    cfg,
		ctx:       ctx,
		cancel:    cancel,
		db:        db,
		service:   service,
		checker:   checker,
		poller:    poller,
		webServer: webServer,
	}, nil
}

func (app *NoteKeepApp) start() error {
	if err := app.webServer.start(); err != nil {
		return fmt.Errorf("failed to start web server: %w", err)
	}

	scheduler, err := app.checker.startScheduler(app.ctx)
	if err != nil {
		return err
	}
	app.scheduler = scheduler

	app.poller.start()

	zlog.Info().Msg("Notekeep service started")
	return nil
}

func (app *NoteKeepApp) run() error {
	if err := app.start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	zlog.Info().Msg("Shutdown signal received")

	return app.stop()
}

func (app *NoteKeepApp) stop() error {
	zlog.Info().Msg("Stopping notekeep service")

	if app.cancel != nil {
		app.cancel()
	}

	if app.scheduler != nil {
		<-app.scheduler.Stop().Done()
	}

	if app.poller != nil {
		app.poller.stop()
	}

	if app.webServer != nil {
		if err := app.webServer.stop(); err != nil {
			zlog.Debug().Err(err).Msg("Web server stop completed with timeout - this is normal during shutdown")
		}
	}

	if app.db != nil {
		if err := app.db.close(); err != nil {
			zlog.Error().Err(err).Msg("Error closing database")
		}
	}

	zlog.Info().Msg("Notekeep service stopped")
	return nil
}

// =============================================================================
// ONE-SHOT CHECK MODES
// =============================================================================

// runCheck executes a single audit pass and exits, for cron jobs and manual
// runs outside the long-running service.
func runCheck(cfg Config, mode string, batchSize, maxAgeDays int) error {
	db, err := newDatabase(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.close()

	checker := newLinkChecker(cfg, db, nil)
	ctx := context.Background()

	if batchSize <= 0 {
		batchSize = cfg.Checker.BatchSize
	}
	if maxAgeDays <= 0 {
		maxAgeDays = cfg.Checker.MaxAgeDays
	}

	switch mode {
	case "missing":
		_, err = checker.checkMissingImages(ctx, batchSize, maxAgeDays)
		return err
	case "broken":
		_, err = checker.checkBrokenImages(ctx, batchSize)
		return err
	case "all":
		if _, err := checker.checkMissingImages(ctx, batchSize, maxAgeDays); err != nil {
			return err
		}
		_, err = checker.checkBrokenImages(ctx, batchSize)
		return err
	case "list-broken":
		links, err := checker.listBrokenLinks()
		if err != nil {
			return err
		}
		if len(links) == 0 {
			fmt.Println("No broken links.")
			return nil
		}
		for _, link := range links {
			status := link.LinkStatus
			if link.HTTPStatusCode != nil {
				status = fmt.Sprintf("%s (%d)", status, *link.HTTPStatusCode)
			}
			fmt.Printf("%6d  %-12s %s\n", link.ID, status, link.URL)
		}
		fmt.Printf("%d broken link(s)\n", len(links))
		return nil
	default:
		return fmt.Errorf("unknown check mode %q (use missing, broken, all, or list-broken)", mode)
	}
}

// =============================================================================
// MAIN ENTRY POINT
// =============================================================================

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	logLevel := flag.String("l", "", "log level (trace, debug, info, warn, error, fatal, panic)")
	logLevelLong := flag.String("log-level", "", "log level (trace, debug, info, warn, error, fatal, panic)")
	checkMode := flag.String("check", "", "run a one-shot link check and exit (missing, broken, all, list-broken)")
	batchSize := flag.Int("batch-size", 0, "links per check batch (overrides config)")
	maxAgeDays := flag.Int("max-age-days", 0, "recheck links older than this many days (overrides config)")
	showVersion := flag.Bool("version", false, "show version information")
	showHelp := flag.Bool("help", false, "show help information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("notekeep %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built: %s\n", date)
		fmt.Printf("  built by: %s\n", builtBy)
		return
	}

	if *showHelp {
		fmt.Println("notekeep - Save links and notes from chat, with previews and health checks")
		fmt.Println()
		fmt.Println("Usage:")
		fmt.Printf("  %s [options]\n", os.Args[0])
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		fmt.Println()
		fmt.Println("Configuration:")
		fmt.Println("  Copy config.toml.sample to config.toml and edit as needed.")
		fmt.Println("  The application will create a SQLite database at the configured path.")
		fmt.Println()
		fmt.Printf("Version: %s (%s)\n", version, commit)
		return
	}

	var cliLogLevel string
	if *logLevel != "" {
		cliLogLevel = *logLevel
	} else if *logLevelLong != "" {
		cliLogLevel = *logLevelLong
	}

	if cliLogLevel != "" {
		validLevels := validLogLevels()
		valid := false
		for _, level := range validLevels {
			if strings.ToLower(cliLogLevel) == level {
				valid = true
				break
			}
		}
		if !valid {
			log.Fatalf("Invalid log level: %s. Valid levels: %s", cliLogLevel, strings.Join(validLevels, ", "))
		}
	}

	cfg := defaultConfig()
	if err := loadConfig(*configPath, &cfg); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logLevelToUse := cfg.Logging.Level
	if cliLogLevel != "" {
		logLevelToUse = cliLogLevel
	}
	setupLogging(logLevelToUse, cfg.Logging.Format)

	if *checkMode != "" {
		if err := runCheck(cfg, *checkMode, *batchSize, *maxAgeDays); err != nil {
			log.Fatalf("Check failed: %v", err)
		}
		return
	}

	app, err := newNoteKeepApp(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	if err := app.run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}
