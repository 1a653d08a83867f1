// Command adbpilotd runs the adbpilot HTTP control surface: it loads or
// creates the process's signing identity, connects once at startup to a
// daemon already paired over wireless debugging if a connect endpoint is
// known, and serves spec.md §6's routes. Endpoints discovered later are
// persisted but do not trigger a connect.
package main

import (
	"cmp"
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/fenwicklabs/adbpilot/adbc/discovery"
	"github.com/fenwicklabs/adbpilot/adbc/identity"
	"github.com/fenwicklabs/adbpilot/adbc/manager"
	"github.com/fenwicklabs/adbpilot/adbc/store"
	"github.com/fenwicklabs/adbpilot/httpapi"
	"github.com/fenwicklabs/adbpilot/internal/keystore"
)

var (
	port    = flag.Int("port", envInt("ADBPILOT_API_PORT", 17171), "HTTP API listen port")
	dataDir = flag.String("data-dir", envString("ADBPILOT_DATA_DIR", defaultDataDir()), "directory for the identity, keystore seed, and persisted state")
)

func main() {
	flag.Parse()
	slog.SetLogLoggerLevel(parseLevel(envString("ADBPILOT_LOG_LEVEL", "info")))

	if *port < 1 || *port > 65535 {
		slog.Error("invalid port", "port", *port)
		os.Exit(1)
	}

	if err := os.MkdirAll(*dataDir, 0o700); err != nil {
		slog.Error("create data dir", "dir", *dataDir, "error", err)
		os.Exit(1)
	}

	ks := keystore.NewLocal(*dataDir)
	id, err := identity.LoadOrCreate(*dataDir, "adbpilot", ks)
	if err != nil {
		slog.Error("load identity", "error", err)
		os.Exit(1)
	}

	statePath := filepath.Join(*dataDir, "state.bin")
	rec, err := store.Load(statePath)
	if err != nil {
		slog.Error("load persisted state", "error", err)
		os.Exit(1)
	}
	rec.WrappedKey = id.WrappedKey()
	slog.Info("loaded identity", "data_dir", *dataDir, "cached_endpoints", len(rec.Endpoints))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	watcher := discovery.NewWatcher()
	go func() {
		if err := watcher.Run(ctx); err != nil {
			slog.Error("discovery watcher stopped", "error", err)
		}
	}()
	go logDiscoveryEvents(ctx, watcher, statePath, rec)

	mgr := manager.New()
	if ep, ok := watcher.Endpoint(discovery.KindConnect); ok {
		connectWithLog(ctx, mgr, id, ep)
	} else if ep, ok := rec.Endpoints[discovery.KindConnect.String()]; ok {
		connectWithLog(ctx, mgr, id, ep)
	}

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(*port),
		Handler: httpapi.New(mgr, slog.Default()),
	}
	slog.Info("listening", "port", *port)

	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server stopped", "error", err)
		os.Exit(1)
	}
}

func connectWithLog(ctx context.Context, mgr *manager.SessionManager, id *identity.Identity, ep discovery.Endpoint) {
	slog.Info("connecting to device", "host", ep.Host, "port", ep.Port)
	if err := mgr.Connect(ctx, ep.Host, ep.Port, id, true); err != nil {
		slog.Warn("initial connect failed", "error", err)
	}
}

// logDiscoveryEvents persists the watcher's running cache to disk on every
// update, so a restart doesn't have to wait out a fresh mDNS
// advertisement before it has somewhere to connect to.
func logDiscoveryEvents(ctx context.Context, w *discovery.Watcher, statePath string, rec store.Record) {
	if rec.Endpoints == nil {
		rec.Endpoints = map[string]discovery.Endpoint{}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-w.Events:
			slog.Info("discovery update", "kind", ev.Endpoint.Kind, "endpoint", ev.Endpoint.String())
			rec.Endpoints[ev.Endpoint.Kind.String()] = ev.Endpoint
			if err := store.Save(statePath, rec); err != nil {
				slog.Warn("persist discovery state", "error", err)
			}
		}
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "adbpilot")
	}
	return "./adbpilot-data"
}

func envString(key, fallback string) string {
	return cmp.Or(os.Getenv(key), fallback)
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func parseLevel(s string) slog.Level {
	switch s {
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
