// catalogd is the dataset catalog daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bluesky/tiled/config"
	"github.com/bluesky/tiled/internal/catalog"
	"github.com/bluesky/tiled/internal/ingest"
	"github.com/bluesky/tiled/internal/logging"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	dbPath := flag.String("db", "", "catalog database path (overrides config)")
	logJSON := flag.Bool("log-json", false, "log as JSON")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error")
	registerPath := flag.String("register", "", "path to register, then exit")
	parentPath := flag.String("parent", "", "catalog path (slash-separated keys) to register under")
	keyFromName := flag.Bool("key-from-name", true, "derive keys from file names without extension")
	overwrite := flag.Bool("overwrite", false, "reuse existing nodes instead of failing with a conflict")
	flag.Parse()

	// Load config
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg = config.DefaultConfig()
		} else {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
	}

	// CLI overrides
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if *logJSON {
		cfg.Log.JSON = true
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logging.Init(parseLevel(cfg.Log.Level), cfg.Log.JSON)
	log := logging.Component("catalogd")
	log.Info("starting", "version", Version, "database", cfg.Database.Path)

	svc, err := catalog.New(cfg, nil)
	if err != nil {
		log.Error("initialize catalog", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *registerPath != "" {
		if err := runRegistration(ctx, svc, *registerPath, *parentPath, *keyFromName, *overwrite); err != nil {
			log.Error("registration", "error", err)
			os.Exit(1)
		}
		return
	}

	log.Info("catalog ready")
	<-ctx.Done()
	log.Info("shutting down")
}

// runRegistration performs a one-shot registration walk and prints the
// outcome list.
func runRegistration(ctx context.Context, svc *catalog.Service, path, parentPath string, keyFromName, overwrite bool) error {
	parentID := ""
	if parentPath != "" {
		segments := strings.Split(strings.Trim(parentPath, "/"), "/")
		node, err := svc.GetNodeByPath(ctx, segments...)
		if err != nil {
			return fmt.Errorf("resolve parent %s: %w", parentPath, err)
		}
		parentID = node.ID
	}

	outcomes, err := svc.Register(ctx, parentID, path, ingest.Options{
		KeyFromName: keyFromName,
		Overwrite:   overwrite,
	})
	for _, o := range outcomes {
		if o.Err != nil {
			fmt.Printf("%-20s %s (%v)\n", o.State, o.Path, o.Err)
		} else {
			fmt.Printf("%-20s %s\n", o.State, o.Path)
		}
	}
	if err != nil {
		return err
	}

	stats := svc.Stats()
	fmt.Printf("persisted=%d skipped=%d failed=%d\n",
		stats.RegisteredEntries, stats.SkippedEntries, stats.FailedEntries)
	return nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
