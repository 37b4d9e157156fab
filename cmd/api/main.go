package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"qrattend/internal/attendance"
	"qrattend/internal/broadcast"
	"qrattend/internal/config"
	"qrattend/internal/credential"
	"qrattend/internal/httpapi"
	"qrattend/internal/metrics"
	"qrattend/internal/queue"
	"qrattend/internal/store"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	if cfg.IsProd() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	db, err := store.Open(ctx, store.Config{Driver: store.Driver(cfg.DBDriver), Path: cfg.DBPath, URL: cfg.DatabaseURL})
	if err != nil {
		return err
	}
	defer db.Close()
	if cfg.Env == "dev" {
		if err := store.SeedDev(ctx, db); err != nil {
			log.Printf("warning: dev seed failed: %v", err)
		}
	}

	writer := store.NewWorker(db.Client)
	defer writer.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	m := metrics.New(prometheus.DefaultRegisterer)
	hub := broadcast.NewHub(cfg.SubscriberBuffer, log.Default(), m)
	defer hub.Close()

	var pub attendance.Publisher = hub
	if redisClient != nil {
		relay := broadcast.NewRedisRelay(redisClient.Client, cfg.RelayChannel, hub, log.Default())
		pub = broadcast.Multi{hub, relay}
		go func() {
			if err := relay.Run(ctx); err != nil {
				log.Printf("event relay stopped: %v", err)
			}
		}()
	}

	var q queue.Queue
	switch cfg.QueueBackend {
	case "redis":
		q = queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)
	default:
		// In-memory async intake is drained in-process.
		q = queue.NewInMemory(256)
	}

	codec, err := credential.NewCodec([]byte(cfg.CredentialSecret))
	if err != nil {
		return err
	}

	repo := attendance.NewRepository(db, writer)
	svc := attendance.NewService(codec, repo, repo, attendance.Config{
		Policy:        attendance.Policy{LateThreshold: cfg.LateThreshold, DuplicateWindow: cfg.DuplicateWindow},
		MaxDailyScans: cfg.MaxDailyScans,
		Location:      loc,
		ClockSkew:     cfg.ClockSkew,
		Retry: store.RetryPolicy{
			Attempts:  cfg.StoreRetries,
			BaseDelay: cfg.StoreRetryBase,
			MaxDelay:  cfg.StoreRetryMax,
		},
	},
		attendance.WithPublisher(pub),
		attendance.WithLogger(log.Default()),
		attendance.WithMetrics(m),
	)
	defer svc.Wait()

	// In-memory async intake is drained in-process; with the redis backend
	// cmd/worker consumes instead.
	mem, _ := q.(*queue.InMemory)
	consumer := &queue.Consumer{
		Queue:      q,
		Proc:       svc,
		Log:        log.Default(),
		Metrics:    m,
		RetryPause: time.Second,
	}
	consumerDone := make(chan struct{})
	if mem != nil {
		go func() {
			defer close(consumerDone)
			if err := consumer.Run(ctx); err != nil {
				log.Printf("async intake stopped: %v", err)
			}
		}()
	} else {
		close(consumerDone)
	}

	checks := map[string]httpapi.HealthCheck{
		"db": func(ctx context.Context) bool { return db.Client.PingContext(ctx) == nil },
	}
	if redisClient != nil {
		checks["redis"] = redisClient.Healthy
	}

	r := httpapi.NewRouter(httpapi.Deps{
		Scans:           svc,
		Records:         repo,
		Issuer:          codec,
		Hub:             hub,
		Queue:           q,
		Checks:          checks,
		JWTIssuer:       cfg.JWTIssuer,
		JWTSigningKey:   cfg.JWTSigningKey,
		AccessTTL:       cfg.AccessTTL,
		CredentialTTL:   cfg.CredentialTTL,
		Location:        loc,
		RateLimitPerMin: cfg.RateLimitPerMin,
		CORSOrigins:     cfg.CORSOrigins,
		Metrics:         m,
		Log:             log.Default(),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No write timeout: /v1/stream responses are long-lived.
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Starting server on :%s (store=%s)", cfg.HTTPPort, cfg.DBDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	log.Println("Shutting down server...")

	// Streams never finish on their own; closing the hub ends them.
	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	// No new scans can be enqueued now. Settle what the in-memory queue still
	// holds; those clients already got a 202.
	<-consumerDone
	if mem != nil {
		flushPending(shutdownCtx, mem, consumer)
	}

	log.Println("Server exited")
	return nil
}

// flushPending runs every scan left in the in-memory queue. Anything that
// still cannot be settled is lost with the process and logged as such.
func flushPending(ctx context.Context, q *queue.InMemory, c *queue.Consumer) {
	for _, msg := range q.Pending() {
		c.Handle(ctx, msg)
	}
	if left := q.Pending(); len(left) > 0 {
		log.Printf("%d queued scans could not be settled before exit", len(left))
	}
}
