// Command notifeed runs one notification session against a server:
// it opens the push stream, keeps the local ledger durable, and prints
// the notification list whenever it changes. Intended as a reference
// embedding of the client and as a manual smoke-test tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/notifeed/notifeed/internal/notifeed"
	"github.com/notifeed/notifeed/internal/pushstream"
)

func main() {
	_ = godotenv.Load()

	baseURL := flag.String("base-url", envOrDefault("NOTIFEED_BASE_URL", "http://127.0.0.1:8080"), "notification API base URL")
	streamURL := flag.String("stream-url", envOrDefault("NOTIFEED_STREAM_URL", "ws://127.0.0.1:8080/v1/notifications/stream"), "push stream endpoint")
	token := flag.String("token", strings.TrimSpace(os.Getenv("NOTIFEED_TOKEN")), "bearer token")
	displayName := flag.String("display-name", strings.TrimSpace(os.Getenv("NOTIFEED_DISPLAY_NAME")), "authenticated user display name")
	ledgerDSN := flag.String("ledger", envOrDefault("NOTIFEED_LEDGER", defaultLedgerPath()), "ledger backend DSN (path, file://, memory://, postgres://)")
	flushInterval := flag.Duration("flush-interval", durationEnv("NOTIFEED_FLUSH_INTERVAL", 5*time.Minute), "batch flush interval")
	timeout := flag.Duration("timeout", durationEnv("NOTIFEED_TIMEOUT", 15*time.Second), "per-request timeout")
	watchLedger := flag.Bool("watch-ledger", boolEnv("NOTIFEED_WATCH_LEDGER", false), "reload ledger on out-of-process writes (file backend only)")
	debug := flag.Bool("debug", boolEnv("NOTIFEED_DEBUG", false), "debug logging")
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	if strings.TrimSpace(*token) == "" {
		log.Fatal().Msg("token is required (--token or NOTIFEED_TOKEN)")
	}
	if strings.TrimSpace(*displayName) == "" {
		log.Fatal().Msg("display-name is required (--display-name or NOTIFEED_DISPLAY_NAME)")
	}

	backend, err := notifeed.BuildLedgerBackendFromDSN(*ledgerDSN)
	if err != nil {
		log.Fatal().Err(err).Str("dsn", *ledgerDSN).Msg("failed to build ledger backend")
	}
	ledger, err := notifeed.NewLedger(backend, notifeed.LedgerOptions{})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open ledger")
	}

	api := notifeed.NewHTTPClient(*baseURL, *token, &http.Client{Timeout: *timeout})
	client, err := notifeed.NewClient(notifeed.ClientOptions{
		API:    api,
		Ledger: ledger,
		Stream: pushstream.ClientOptions{
			URL:   *streamURL,
			Token: *token,
		},
		Logger:        log,
		FlushInterval: *flushInterval,
		FlushTimeout:  *timeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize client")
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Warn().Err(err).Msg("client close")
		}
	}()

	if *watchLedger {
		if fileBackend, ok := backend.(*notifeed.JSONFileLedgerBackend); ok {
			watcher, werr := notifeed.NewLedgerWatcher(ledger, fileBackend.Path, client.Refresh, log)
			if werr != nil {
				log.Warn().Err(werr).Msg("ledger watcher unavailable")
			} else {
				defer func() {
					_ = watcher.Close()
				}()
			}
		} else {
			log.Warn().Msg("--watch-ledger only applies to the file backend")
		}
	}

	client.SetAuth(true, *displayName)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	lastPrinted := -1
	for {
		select {
		case <-rootCtx.Done():
			log.Info().Msg("shutting down; flushing pending intent")
			client.SetAuth(false, "")
			return
		case <-ticker.C:
			unread := client.UnreadCount()
			if unread == lastPrinted {
				continue
			}
			lastPrinted = unread
			records := client.Notifications()
			fmt.Printf("-- %d unread / %d total (stream %s) --\n", unread, len(records), client.ConnectionState())
			for _, rec := range records {
				marker := " "
				if !rec.Read {
					marker = "*"
				}
				fmt.Printf("%s [%s] #%d %s\n", marker, rec.Category, rec.ID, rec.Content)
			}
		}
	}
}

func defaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".notifeed-ledger.json"
	}
	return home + "/.notifeed/ledger.json"
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
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	switch raw {
	case "":
		return fallback
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
