package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gpt-tgbot-go/internal/chat"
	"github.com/gpt-tgbot-go/internal/config"
	"github.com/gpt-tgbot-go/internal/handlers"
	"github.com/gpt-tgbot-go/internal/i18n"
	"github.com/gpt-tgbot-go/internal/middleware"
	"github.com/gpt-tgbot-go/internal/services/ai"
	"github.com/gpt-tgbot-go/internal/services/cache"
	"github.com/gpt-tgbot-go/internal/services/storage"
	"github.com/gpt-tgbot-go/internal/session"
	"github.com/gpt-tgbot-go/pkg/logger"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	// Load .env file if exists
	if err := godotenv.Load(*envFile); err != nil {
		// It's okay if .env doesn't exist
		fmt.Printf("Warning: .env file not found: %v\n", err)
	}

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info("Starting Telegram Bot...")

	// Initialize bot
	bot, err := tgbotapi.NewBotAPI(cfg.Bot.Token)
	if err != nil {
		log.WithError(err).Fatal("Failed to create bot")
	}

	bot.Debug = cfg.Logging.Level == "debug"
	log.WithField("username", bot.Self.UserName).Info("Bot authorized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	storageManager, err := storage.NewManager(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize storage")
	}

	// Initialize metrics
	metrics := middleware.NewMetrics()

	// Initialize the completion gateway
	gateway := ai.NewFactory(&cfg.OpenAI, metrics, log)

	// Initialize sessions
	sessions := session.NewManager(log)
	sessions.OnDrop(metrics.RecordDroppedEvent)

	// Initialize response cache
	cacheService := cache.NewCache(&cfg.Cache, log)

	// Initialize rate limiter
	rateLimiter := middleware.NewRateLimiter(&cfg.RateLimit, log)

	// Initialize i18n
	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize i18n")
	}

	// Start metrics server if enabled
	if cfg.Monitoring.Metrics.Enabled {
		go func() {
			log.WithFields(logrus.Fields{
				"port": cfg.Monitoring.Metrics.Port,
				"path": cfg.Monitoring.Metrics.Path,
			}).Info("Starting metrics server")

			if err := middleware.StartMetricsServer(cfg.Monitoring.Metrics.Port, cfg.Monitoring.Metrics.Path); err != nil {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	// Initialize the state machine and handlers
	engine := chat.NewEngine(storageManager, gateway, sessions, cacheService, metrics, &cfg.I18n, log)
	commandHandler := handlers.NewCommandHandler(bot, engine, localizer, metrics, log)
	messageHandler := handlers.NewMessageHandler(bot, engine, localizer, rateLimiter, metrics, log)

	// Setup update channel
	var updates tgbotapi.UpdatesChannel

	if cfg.Bot.Webhook.Enabled {
		// Setup webhook
		webhookURL := fmt.Sprintf("%s/%s", cfg.Bot.Webhook.URL, bot.Token)
		webhook, err := tgbotapi.NewWebhook(webhookURL)
		if err != nil {
			log.WithError(err).Fatal("Failed to create webhook")
		}

		if _, err := bot.Request(webhook); err != nil {
			log.WithError(err).Fatal("Failed to set webhook")
		}

		updates = bot.ListenForWebhook("/" + bot.Token)
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Bot.Webhook.Port)
			if err := http.ListenAndServe(addr, nil); err != nil {
				log.WithError(err).Fatal("Webhook server failed")
			}
		}()
		log.WithFields(logrus.Fields{
			"url":  webhookURL,
			"port": cfg.Bot.Webhook.Port,
		}).Info("Webhook set")
	} else {
		// Use long polling
		u := tgbotapi.NewUpdate(0)
		u.Timeout = cfg.Bot.UpdateTimeout

		updates = bot.GetUpdatesChan(u)
		log.Info("Using long polling")
	}

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Main bot loop. Each update is routed to the owning user's queue so that
	// one user's turns run in order while different users run concurrently.
	go func() {
		for update := range updates {
			if cb := update.CallbackQuery; cb != nil {
				metrics.RecordUpdateReceived("callback")
				userID := strconv.FormatInt(cb.From.ID, 10)
				sessions.Dispatch(userID, func() {
					if err := commandHandler.HandleCallbackQuery(ctx, cb); err != nil {
						log.WithError(err).Error("Failed to handle callback query")
						metrics.RecordUpdateProcessed("error")
					} else {
						metrics.RecordUpdateProcessed("success")
					}
				})
				continue
			}

			msg := update.Message
			if msg == nil || msg.From == nil {
				continue
			}
			userID := strconv.FormatInt(msg.From.ID, 10)

			if msg.IsCommand() {
				metrics.RecordUpdateReceived("command")
				sessions.Dispatch(userID, func() {
					if err := commandHandler.HandleCommand(ctx, msg); err != nil {
						log.WithError(err).Error("Failed to handle command")
						metrics.RecordUpdateProcessed("error")
					} else {
						metrics.RecordUpdateProcessed("success")
					}
				})
				continue
			}

			metrics.RecordUpdateReceived("message")
			sessions.Dispatch(userID, func() {
				if err := messageHandler.HandleMessage(ctx, msg); err != nil {
					log.WithError(err).Error("Failed to handle message")
					metrics.RecordUpdateProcessed("error")
				} else {
					metrics.RecordUpdateProcessed("success")
				}
			})
		}
	}()

	// Start periodic tasks
	go startPeriodicTasks(ctx, sessions, metrics)

	// Wait for shutdown signal
	<-sigChan
	log.Info("Shutdown signal received")

	// Cleanup
	if cfg.Bot.Webhook.Enabled {
		if _, err := bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
			log.WithError(err).Error("Failed to delete webhook")
		}
	}

	// Cancel context to stop all goroutines
	cancel()

	// Give in-flight turns time to finish
	time.Sleep(2 * time.Second)

	log.Info("Bot stopped")
}

// startPeriodicTasks refreshes gauge metrics in the background.
func startPeriodicTasks(ctx context.Context, sessions *session.Manager, metrics *middleware.Metrics) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetActiveSessions(float64(sessions.Count()))
		}
	}
}
