package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/modelops/lifecycle/internal/audit"
	"github.com/modelops/lifecycle/internal/config"
	"github.com/modelops/lifecycle/internal/database"
	"github.com/modelops/lifecycle/internal/deploy"
	"github.com/modelops/lifecycle/internal/drift"
	"github.com/modelops/lifecycle/internal/notify"
	"github.com/modelops/lifecycle/internal/observations"
	"github.com/modelops/lifecycle/internal/orchestrator"
	"github.com/modelops/lifecycle/internal/store"
	"github.com/modelops/lifecycle/internal/training"
	"github.com/modelops/lifecycle/internal/trigger"
	"github.com/modelops/lifecycle/internal/validation"
	"github.com/modelops/lifecycle/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file, using environment")
	}

	configPath := flag.String("config", "", "path to configuration file")
	simTrainer := flag.Bool("sim-trainer", false, "use the in-process simulated trainer")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("create logger: %v", err)
	}
	defer zapLogger.Sync()

	if cfg.Telemetry.TraceStdout {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			zapLogger.Fatal("create trace exporter", zap.Error(err))
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		otel.SetTracerProvider(tp)
		defer tp.Shutdown(context.Background())
	}

	db, err := database.NewPostgresDB(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		zapLogger.Fatal("connect to database", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		zapLogger.Fatal("migrate schema", zap.Error(err))
	}

	st := store.NewStore(db, logger.Named(zapLogger, "store"))
	auditSvc := audit.NewService(db, logger.Named(zapLogger, "audit"))

	var notifier notify.Notifier = notify.NewLogNotifier(logger.Named(zapLogger, "notify"))
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaNotifier := notify.NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger.Named(zapLogger, "notify"))
		defer kafkaNotifier.Close()
		notifier = kafkaNotifier
	}

	var gatewayOpts []observations.Option
	if cfg.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		gatewayOpts = append(gatewayOpts, observations.WithCache(redisClient, cfg.Redis.CacheTTL))
	}
	gateway := observations.NewGateway(st, logger.Named(zapLogger, "observations"), gatewayOpts...)

	var trainer training.Trainer
	if *simTrainer {
		trainer = training.NewSimulatedTrainer(time.Minute, 0.82, 0.03)
		zapLogger.Warn("using simulated trainer; not for production")
	} else {
		zapLogger.Fatal("no trainer configured; run with -sim-trainer or wire a training backend")
	}

	driftEval := drift.NewEvaluator(st, gateway, logger.Named(zapLogger, "drift"))
	scheduleEval := drift.NewScheduleEvaluator()
	coordinator := trigger.NewCoordinator(st, driftEval, scheduleEval, auditSvc, logger.Named(zapLogger, "trigger"))
	manager := training.NewManager(st, auditSvc, trainer, notifier, logger.Named(zapLogger, "training"), training.Config{
		PollInterval: cfg.Training.PollInterval,
		BackoffBase:  cfg.Training.BackoffBase,
		BackoffMax:   cfg.Training.BackoffMax,
		CancelGrace:  cfg.Training.CancelGrace,
	})
	gate := validation.NewGate(st, auditSvc, notifier, logger.Named(zapLogger, "validation"))
	decider := deploy.NewDecider(st, auditSvc, notifier, logger.Named(zapLogger, "deploy"))

	svc := orchestrator.NewService(st, gateway, coordinator, driftEval, manager, gate, decider, auditSvc,
		logger.Named(zapLogger, "orchestrator"), orchestrator.Config{EvalWorkers: cfg.Scheduler.EvalWorkers})

	specs := make([]orchestrator.FamilySpec, 0, len(cfg.Families))
	for _, fc := range cfg.Families {
		s := cfg.ResolvedSettings(fc)
		specs = append(specs, orchestrator.FamilySpec{
			Name:                fc.Name,
			DriftThreshold:      decimal.NewFromFloat(s.DriftThreshold),
			AutoDeployThreshold: decimal.NewFromFloat(s.AutoDeployThreshold),
			RegressionTolerance: decimal.NewFromFloat(s.RegressionTolerance),
			MinQualityFloor:     decimal.NewFromFloat(s.MinQualityFloor),
			MinTrainingSamples:  s.MinTrainingSamples,
			MaxRetries:          s.MaxRetries,
			ScheduleInterval:    s.ScheduleInterval,
			LookbackWindow:      s.LookbackWindow,
		})
	}
	if err := svc.SyncFamilies(context.Background(), specs); err != nil {
		zapLogger.Fatal("register families", zap.Error(err))
	}
	if err := svc.RecoverStrandedTriggers(context.Background()); err != nil {
		zapLogger.Fatal("recover stranded triggers", zap.Error(err))
	}

	// periodic evaluation: the external cron-like caller, in-process
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	scheduler := cron.New(cron.WithParser(parser))
	_, err = scheduler.AddFunc(cfg.Scheduler.CronSpec, func() {
		if err := svc.EvaluationCycle(context.Background()); err != nil {
			zapLogger.Error("evaluation cycle failed", zap.Error(err))
		}
	})
	if err != nil {
		zapLogger.Fatal("schedule evaluation cycle", zap.Error(err))
	}
	scheduler.Start()
	zapLogger.Info("evaluation cycle scheduled", zap.String("cron", cfg.Scheduler.CronSpec))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	telemetrySrv := &http.Server{Addr: cfg.Telemetry.ListenAddr, Handler: mux}
	go func() {
		if err := telemetrySrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Error("telemetry listener failed", zap.Error(err))
		}
	}()
	zapLogger.Info("lifecycled started", zap.String("telemetry", cfg.Telemetry.ListenAddr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("shutting down")

	scheduler.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := svc.Stop(shutdownCtx); err != nil {
		zapLogger.Warn("pipelines did not stop in time", zap.Error(err))
	}
	telemetrySrv.Shutdown(shutdownCtx)
	zapLogger.Info("stopped")
}
