package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"qrattend/internal/attendance"
	"qrattend/internal/broadcast"
	"qrattend/internal/config"
	"qrattend/internal/credential"
	"qrattend/internal/metrics"
	"qrattend/internal/mqttintake"
	"qrattend/internal/queue"
	"qrattend/internal/store"
)

// Worker drains queued scans and the MQTT intake through the pipeline.
// Outcomes reach API dashboards over the Redis relay.
func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	loc, err := cfg.Location()
	if err != nil {
		log.Fatalf("timezone: %v", err)
	}

	db, err := store.Open(ctx, store.Config{Driver: store.Driver(cfg.DBDriver), Path: cfg.DBPath, URL: cfg.DatabaseURL})
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	writer := store.NewWorker(db.Client)
	defer writer.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	codec, err := credential.NewCodec([]byte(cfg.CredentialSecret))
	if err != nil {
		log.Fatalf("credential codec: %v", err)
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	opts := []attendance.Option{
		attendance.WithLogger(log.Default()),
		attendance.WithMetrics(m),
	}
	if redisClient != nil {
		opts = append(opts, attendance.WithPublisher(
			broadcast.NewRedisRelay(redisClient.Client, cfg.RelayChannel, nil, log.Default())))
	} else {
		log.Println("REDIS_ADDR not set: outcomes from this worker will not reach dashboards")
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
	}, opts...)
	defer svc.Wait()

	var wg sync.WaitGroup

	if cfg.MQTTBroker != "" {
		intake, err := mqttintake.New(mqttintake.Config{
			Broker:   cfg.MQTTBroker,
			Topic:    cfg.MQTTTopic,
			ClientID: cfg.MQTTClientID,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
		}, svc, log.Default())
		if err != nil {
			log.Fatalf("mqtt intake: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := intake.Run(ctx); err != nil {
				log.Printf("mqtt intake stopped: %v", err)
			}
		}()
	}

	if cfg.QueueBackend == "redis" {
		consumer := &queue.Consumer{
			Queue:      queue.NewRedisQueue(redisClient.Client, cfg.QueueKey),
			Proc:       svc,
			Log:        log.Default(),
			Metrics:    m,
			RetryPause: time.Second,
		}
		log.Println("worker started, waiting for scans...")
		if err := consumer.Run(ctx); err != nil {
			log.Fatalf("queue consume init failed: %v", err)
		}
	} else if cfg.MQTTBroker == "" {
		log.Println("nothing to do: set QUEUE_BACKEND=redis or MQTT_BROKER")
		return
	}

	wg.Wait()
	log.Println("worker stopped")
}
