package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/router"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stemsi/exstem-proctor/internal/worker"
	"golang.org/x/sync/errgroup"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Int("violation_threshold", cfg.Proctor.ViolationThreshold).
		Msg("Starting ExStem Proctor")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	examRepo := repository.NewExamRepository(pool)
	questionRepo := repository.NewQuestionRepository(pool)
	enrollmentRepo := repository.NewEnrollmentRepository(pool)
	answerRepo := repository.NewAnswerRepository(pool)
	monitoringRepo := repository.NewMonitoringRepository(pool)
	mediaRepo := repository.NewMediaRepository(pool)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg)
	examService := service.NewExamService(examRepo, questionRepo, rdb, log)
	enrollmentService := service.NewEnrollmentService(examService, enrollmentRepo, answerRepo, rdb, log)
	monitoringService := service.NewMonitoringService(examService, enrollmentRepo, monitoringRepo, rdb, log)
	mediaService := service.NewMediaService(cfg, mediaRepo, log)
	backends := service.NewBackends(examService, enrollmentService, monitoringService, mediaService)

	// ─── Initialize Handlers ──────────────────────────────────────────
	wsHandler := handler.NewWSHandler(rdb, backends, cfg.Proctor, log, cfg.AllowedOrigins)
	handlers := &router.Handlers{
		StudentPortal: handler.NewStudentPortalHandler(backends, cfg.MaxUploadBytes, log),
		Exam:          handler.NewExamHandler(examService, enrollmentService, log),
		Media:         handler.NewMediaHandler(mediaService, cfg.UploadDir, log),
		WS:            wsHandler,
		Monitor:       handler.NewMonitorHandler(examService, enrollmentService, monitoringService, cfg.Proctor.ViolationThreshold, log),
		System:        handler.NewSystemHandler(pool, rdb, wsHandler, log),
	}

	// ─── Prewarm Redis Caches ─────────────────────────────────────────
	// Load all published exams into Redis BEFORE accepting traffic.
	// This avoids race conditions from lazy loading under thundering herd.
	if err := examService.PrewarmAllCaches(ctx); err != nil {
		log.Warn().Err(err).Msg("Cache prewarm failed")
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, rdb, handlers, cfg, log)

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Background Workers ─────────────────────────────────────
	// Workers outlive the HTTP server so answers queued by the last
	// requests are still persisted.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	workers, workerCtx := errgroup.WithContext(workerCtx)
	for _, w := range []interface{ Start(context.Context) }{
		worker.NewAutosaveWorker(pool, rdb, log),
		worker.NewScoringWorker(pool, rdb, log),
		worker.NewMonitoringEventWorker(pool, rdb, log),
	} {
		workers.Go(func() error {
			w.Start(workerCtx)
			return nil
		})
	}

	// ─── Serve ─────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down gracefully...")

		// 1. Stop accepting new HTTP requests, then close the hosted
		// sessions so they flush their answers.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		if err := wsHandler.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Hosted sessions did not close in time")
		}
		return nil
	})

	serveErr := g.Wait()
	if serveErr != nil {
		log.Error().Err(serveErr).Msg("HTTP server error")
	}

	// 2. Stop background workers; each flushes its buffer before returning.
	workerCancel()
	_ = workers.Wait()

	log.Info().Msg("Shutdown complete")
	if serveErr != nil {
		os.Exit(1)
	}
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
