package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	chatsync "github.com/meshline/chatsync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	watchProbeURL    string
	watchMetricsAddr string
	watchVerbose     bool
)

func init() {
	watchCmd.Flags().StringVar(&watchProbeURL, "probe-url", "", "websocket endpoint for connectivity probing")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	watchCmd.Flags().BoolVar(&watchVerbose, "verbose", false, "log engine activity to stderr")

	rootCmd.AddCommand(watchCmd)
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch <user-id>",
	Short: "Follow a conversation live",
	Long:  "Open a conversation and keep it on screen: new messages print as they arrive, queued messages flush automatically when connectivity returns. Stop with Ctrl-C.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		partnerID := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Default.Token == "" || cfg.Default.UserID == "" {
			return fmt.Errorf("token and user id must be configured; see 'chatsync config set'")
		}

		log := zerolog.Nop()
		if watchVerbose {
			log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		}

		var clientOpts []chatsync.ClientOption
		if cfg.Default.BaseURL != "" {
			clientOpts = append(clientOpts, chatsync.WithBaseURL(cfg.Default.BaseURL))
		}
		client := chatsync.NewClient(cfg.Default.Token, clientOpts...)

		store, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()

		metrics := chatsync.NewMetrics(prometheus.DefaultRegisterer)

		monitorOpts := []chatsync.MonitorOption{chatsync.WithMonitorLogger(log)}
		if watchProbeURL != "" {
			monitorOpts = append(monitorOpts, chatsync.WithProbeURL(watchProbeURL))
		}
		monitor := chatsync.NewNetworkMonitor(monitorOpts...)

		lifecycle := chatsync.NewLifecycleManager(store, client, monitor,
			chatsync.WithLogger(log), chatsync.WithMetrics(metrics))

		syncOpts := []chatsync.SyncOption{
			chatsync.WithSyncLogger(log),
			chatsync.WithSyncMetrics(metrics),
		}
		if cfg.Sync.IntervalSeconds > 0 {
			syncOpts = append(syncOpts, chatsync.WithSyncInterval(time.Duration(cfg.Sync.IntervalSeconds)*time.Second))
		}
		coordinator := chatsync.NewSyncCoordinator(store, client, monitor, lifecycle, syncOpts...)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if watchProbeURL != "" {
			monitor.StartProbe(ctx)
		}
		go coordinator.Run(ctx)

		if watchMetricsAddr != "" {
			go serveMetrics(watchMetricsAddr)
		}

		redraw := make(chan string, 1)
		viewOpts := []chatsync.ViewOption{
			chatsync.WithViewLogger(log),
			chatsync.OnChange(func(partnerID string) {
				select {
				case redraw <- partnerID:
				default:
				}
			}),
		}
		if cfg.Sync.PollSeconds > 0 {
			viewOpts = append(viewOpts, chatsync.WithPollInterval(time.Duration(cfg.Sync.PollSeconds)*time.Second))
		}
		view := chatsync.NewConversationView(store, monitor, lifecycle, coordinator, viewOpts...)
		defer view.Close()

		monitor.Subscribe(func(online bool) {
			if online {
				fmt.Println("-- online --")
			} else {
				fmt.Println("-- offline; messages will queue locally --")
			}
		})

		view.Open(partnerID)
		printed := printConversation(cfg.Default.UserID, view, 0)

		for {
			select {
			case <-ctx.Done():
				fmt.Println()
				return nil
			case <-redraw:
				printed = printConversation(cfg.Default.UserID, view, printed)
			}
		}
	},
}

// printConversation prints any messages beyond the first already-printed
// count and returns the new total. On shrink (a provisional entry replaced by
// its confirmed form) it reprints the tail.
func printConversation(userID string, view *chatsync.ConversationView, already int) int {
	msgs, err := view.Messages()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: read conversation: %v\n", err)
		return already
	}
	if len(msgs) < already {
		already = 0
		fmt.Println("-- refreshed --")
	}
	for i := already; i < len(msgs); i++ {
		printMessage(userID, &msgs[i].Message)
	}
	return len(msgs)
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: metrics server: %v\n", err)
	}
}
