package cmd

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"time"

	"peerprep/config"
	"peerprep/internal/catalog"
	"peerprep/internal/collab"
	"peerprep/internal/events"
	"peerprep/internal/handlers"
	"peerprep/internal/services"
	"peerprep/internal/store"
	"peerprep/monitoring"
	"peerprep/security"
	"peerprep/utils"

	_ "peerprep/migrations"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	pubnub "github.com/pubnub/go"
	"github.com/redis/go-redis/v9"
)

func Start() error {
	app := pocketbase.New()

	// Load configuration
	cfg := config.LoadConfig()

	// Initialize Redis
	redisClient := utils.NewRedisClient(cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB)
	defer redisClient.Close()

	notifier := newNotifier(cfg)

	broker, err := newBroker(cfg)
	if err != nil {
		return err
	}
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize services
	matchStore := store.NewPocketBaseStore(app)
	snapshots := store.NewSnapshotStore(redisClient, cfg.SessionTTL)
	queue := services.NewMatchingQueue(redisClient, cfg.PairBatchSize)
	picker := catalog.New(cfg.QuestionServiceURL, cfg.CatalogRetries, cfg.CatalogTimeout)

	matching := services.NewMatchingService(matchStore, queue, notifier, cfg)
	handoff := services.NewHandoffService(snapshots, picker, broker, cfg)
	confirmation := services.NewConfirmationService(matchStore, matching, handoff, notifier, cfg)
	matching.OnPaired(confirmation.ArmTimer)

	hub := collab.NewHub(snapshots, cfg)

	// Initialize handlers
	matchingHandler := handlers.NewMatchingHandler(matching, confirmation)
	collabHandler := handlers.NewCollabHandler(hub, cfg.ClientSendBuffer)
	adminHandler := handlers.NewAdminHandler(matching)
	rateLimiter := security.NewRateLimiter(redisClient, cfg.RateLimitPerMinute)

	// Enable migrations
	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: cfg.Environment == "development",
	})
	app.RootCmd.AddCommand(newQueueStatsCmd(func() *redis.Client { return redisClient }))

	monitor, err := monitoring.NewMonitor(queue, 15*time.Second)
	if err != nil {
		return err
	}

	app.OnServe().BindFunc(func(e *core.ServeEvent) error {
		go func() {
			if err := services.RestoreState(ctx, matching, confirmation); err != nil {
				slog.Error("restore matching state", "error", err)
			}
		}()

		if err := broker.Subscribe(ctx, events.RoutingMatchFound, hub.Materialize); err != nil {
			return err
		}
		if err := hub.StartJanitor(time.Minute); err != nil {
			return err
		}
		monitor.Start()
		if cfg.EnableMetrics {
			go serveMetrics(cfg.MetricsPort)
		}

		// Matching endpoints
		e.Router.POST("/api/v1/matching/request", matchingHandler.CreateRequest).Bind(rateLimiter.AntiBot())
		e.Router.GET("/api/v1/matching/request/{requestId}", matchingHandler.GetRequest)
		e.Router.DELETE("/api/v1/matching/request/{requestId}", matchingHandler.CancelRequest)
		e.Router.POST("/api/v1/matching/confirm", matchingHandler.Confirm)
		e.Router.GET("/api/v1/matching/match/{matchId}", matchingHandler.GetMatch)

		// Collaboration endpoints
		e.Router.GET("/api/v1/collab/ws/{sessionId}", collabHandler.Connect)
		e.Router.POST("/api/v1/collab/sessions/{sessionId}/notify-ended", collabHandler.NotifyEnded)

		// Admin endpoints
		admin := e.Router.Group("/api/v1")
		if cfg.Environment != "development" {
			admin.Bind(apis.RequireSuperuserAuth())
		}
		admin.GET("/collab/sessions", collabHandler.ListSessions)
		admin.GET("/collab/sessions/{sessionId}", collabHandler.GetSession)
		admin.DELETE("/collab/sessions/{sessionId}", collabHandler.CloseSession)
		admin.POST("/collab/sessions/{sessionId}/save", collabHandler.SaveSession)
		admin.GET("/admin/queue-dashboard", adminHandler.GetQueueDashboard)
		admin.GET("/admin/queue-details", adminHandler.GetQueueDetails)

		// Health check
		e.Router.GET("/health", func(e *core.RequestEvent) error {
			if err := utils.RedisHealthCheck(redisClient); err != nil {
				return e.JSON(http.StatusServiceUnavailable, map[string]string{
					"status": "unhealthy",
					"error":  err.Error(),
				})
			}
			return e.JSON(http.StatusOK, map[string]string{"status": "healthy"})
		})

		log.Println("Server routes registered")

		return e.Next()
	})

	app.OnTerminate().BindFunc(func(e *core.TerminateEvent) error {
		log.Println("Shutdown signal received, cleaning up...")
		cancel()
		matching.Shutdown()
		confirmation.Shutdown()
		if err := monitor.Shutdown(); err != nil {
			slog.Warn("stop monitor", "error", err)
		}
		hub.Shutdown(context.Background())
		return e.Next()
	})

	// Start server
	return app.Start()
}

func newNotifier(cfg *config.Config) services.Notifier {
	if cfg.PubNubPublishKey == "" || cfg.PubNubSubscribeKey == "" {
		log.Println("PubNub keys not set, notifications are only logged")
		return services.NewRecordingNotifier()
	}

	pnConfig := pubnub.NewConfig()
	pnConfig.PublishKey = cfg.PubNubPublishKey
	pnConfig.SubscribeKey = cfg.PubNubSubscribeKey
	pnConfig.SecretKey = cfg.PubNubSecretKey

	return services.NewPubNubNotifier(pubnub.NewPubNub(pnConfig))
}

func newBroker(cfg *config.Config) (events.Broker, error) {
	if cfg.RabbitMQURL == "" {
		log.Println("RABBITMQ_URL not set, using the in-process broker")
		return events.NewMemoryBroker(), nil
	}
	return events.DialAMQP(cfg.RabbitMQURL, cfg.MatchingExchange, cfg.SessionReadyQueue)
}

func serveMetrics(port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log.Printf("Metrics listening on :%s", port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server", "error", err)
	}
}
