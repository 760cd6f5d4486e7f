package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chatsync "github.com/meshline/chatsync"
)

// engine bundles the wired components behind a single handle for commands.
type engine struct {
	store     chatsync.ConversationStore
	client    *chatsync.Client
	monitor   *chatsync.NetworkMonitor
	lifecycle *chatsync.LifecycleManager
	sync      *chatsync.SyncCoordinator
	cfg       *Config
}

// getEngine loads the config and wires the full component stack. Exits with a
// message if the CLI has not been configured yet.
func getEngine() *engine {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'chatsync config set default.token <token>' first.")
		os.Exit(1)
	}
	if cfg.Default.UserID == "" {
		fmt.Fprintln(os.Stderr, "No user id. Run 'chatsync config set default.user_id <id>' first.")
		os.Exit(1)
	}

	var opts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	client := chatsync.NewClient(cfg.Default.Token, opts...)

	store, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		os.Exit(1)
	}

	monitor := chatsync.NewNetworkMonitor()
	lifecycle := chatsync.NewLifecycleManager(store, client, monitor)
	syncOpts := []chatsync.SyncOption{}
	if cfg.Sync.IntervalSeconds > 0 {
		syncOpts = append(syncOpts, chatsync.WithSyncInterval(time.Duration(cfg.Sync.IntervalSeconds)*time.Second))
	}
	coordinator := chatsync.NewSyncCoordinator(store, client, monitor, lifecycle, syncOpts...)

	return &engine{
		store:     store,
		client:    client,
		monitor:   monitor,
		lifecycle: lifecycle,
		sync:      coordinator,
		cfg:       cfg,
	}
}

// openStore opens the durable message store under the configured path,
// defaulting to ~/.chatsync/store.
func openStore(cfg *Config) (chatsync.ConversationStore, error) {
	path := cfg.Default.StorePath
	if path == "" {
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "store")
	}
	return chatsync.NewPebbleStore(path, cfg.Default.UserID)
}

func (e *engine) close() {
	if err := e.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: store close failed: %v\n", err)
	}
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("value must be a positive integer, got %q", s)
	}
	return n, nil
}

// statusBadge renders a delivery status for terminal output.
func statusBadge(status chatsync.DeliveryStatus) string {
	switch status {
	case chatsync.StatusSending:
		return "…"
	case chatsync.StatusSent:
		return "✓"
	case chatsync.StatusDelivered:
		return "✓✓"
	case chatsync.StatusRead:
		return "✓✓ read"
	case chatsync.StatusFailed:
		return "✗ failed"
	default:
		return string(status)
	}
}
