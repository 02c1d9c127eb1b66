package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/applyfeed/internal/logging"
	"github.com/agentworkforce/applyfeed/internal/watch"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("APPLYFEED_BASE_URL", "http://127.0.0.1:3000"), "applyfeed base URL")
	transport := flag.String("transport", envOrDefault("APPLYFEED_WATCH_TRANSPORT", "sse"), "live-update transport (sse or ws)")
	stateFile := flag.String("state-file", strings.TrimSpace(os.Getenv("APPLYFEED_WATCH_STATE_FILE")), "notification state file path")
	pollInterval := flag.Duration("poll-interval", durationEnv("APPLYFEED_WATCH_POLL_INTERVAL", 0), "poll interval (0 uses the server refresh setting)")
	timeout := flag.Duration("timeout", durationEnv("APPLYFEED_WATCH_TIMEOUT", 15*time.Second), "per-request timeout")
	recent := flag.Int("recent", intEnv("APPLYFEED_WATCH_RECENT", watch.DefaultRecentLimit), "notifications shown by -once")
	notifyBacklog := flag.Bool("notify-backlog", false, "notify for records already present on the first poll (by default they are only marked as seen)")
	logLevel := flag.String("log-level", envOrDefault("APPLYFEED_LOG_LEVEL", "info"), "log level")
	once := flag.Bool("once", false, "poll once, print recent notifications and exit")
	markRead := flag.String("mark-read", "", "mark the notification with this record id as read and exit")
	markAllRead := flag.Bool("mark-all-read", false, "mark every notification as read and exit")
	flag.Parse()

	logger := logging.Init(*logLevel)
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}

	inbox, err := watch.NewInbox(*stateFile)
	if err != nil {
		log.Fatalf("failed to load notification state: %v", err)
	}
	if *markRead != "" || *markAllRead {
		if err := applyReadMarks(os.Stdout, inbox, *markRead, *markAllRead); err != nil {
			log.Fatalf("failed to update notifications: %v", err)
		}
		printRecent(os.Stdout, inbox, *recent)
		return
	}
	client := watch.NewHTTPClient(*baseURL, &http.Client{Timeout: *timeout})

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := watch.AgentOptions{
		Lister:        client,
		Inbox:         inbox,
		NotifyBacklog: *notifyBacklog,
		Logger:        logger,
	}
	if *once {
		agent, err := watch.NewAgent(opts)
		if err != nil {
			log.Fatalf("failed to initialize watcher: %v", err)
		}
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		if _, err := agent.PollOnce(ctx); err != nil {
			log.Fatalf("poll failed: %v", err)
		}
		printRecent(os.Stdout, inbox, *recent)
		return
	}

	dialer, err := watch.NewDialer(*transport, *baseURL, nil)
	if err != nil {
		log.Fatalf("invalid transport: %v", err)
	}
	opts.Dialer = dialer
	opts.PollInterval = resolvePollInterval(rootCtx, client, *pollInterval, *timeout, logger)
	agent, err := watch.NewAgent(opts)
	if err != nil {
		log.Fatalf("failed to initialize watcher: %v", err)
	}
	logger.Info("applyfeed watcher started",
		slog.String("base_url", *baseURL),
		slog.String("transport", *transport),
		slog.Duration("poll_interval", opts.PollInterval),
	)
	if err := agent.Run(rootCtx); err != nil {
		log.Fatalf("watcher failed: %v", err)
	}
	logger.Info("applyfeed watcher stopped", slog.Int("unread", inbox.UnreadCount()))
}

// resolvePollInterval prefers an explicit interval, then the server's
// dashboard refresh setting, then the package default.
func resolvePollInterval(ctx context.Context, client *watch.HTTPClient, explicit, timeout time.Duration, logger *slog.Logger) time.Duration {
	if explicit > 0 {
		return explicit
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	settings, err := client.Settings(ctx)
	if err != nil {
		logger.Warn("could not read server refresh interval", slog.Any("error", err))
		return watch.DefaultPollInterval
	}
	return settings.RefreshInterval()
}

func printRecent(w io.Writer, inbox *watch.Inbox, limit int) {
	notifications := inbox.Recent(limit)
	if len(notifications) == 0 {
		fmt.Fprintln(w, "no notifications")
		return
	}
	for _, n := range notifications {
		marker := " "
		if !n.Read {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %s  %s\n", marker, n.CreatedAt.Local().Format("2006-01-02 15:04"), n.Message)
	}
	fmt.Fprintf(w, "%d unread\n", inbox.UnreadCount())
}

// applyReadMarks updates the read flags in the persisted inbox. An unknown id
// is reported but not treated as an error.
func applyReadMarks(w io.Writer, inbox *watch.Inbox, id string, all bool) error {
	if all {
		return inbox.MarkAllRead()
	}
	found, err := inbox.MarkRead(strings.TrimSpace(id))
	if err != nil {
		return err
	}
	if !found {
		fmt.Fprintf(w, "no notification with id %s\n", id)
	}
	return nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}
