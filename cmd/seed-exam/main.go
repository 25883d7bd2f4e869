package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// seed-exam creates an exam from a JSON file shaped like the admin create
// request, optionally publishing it.
func main() {
	file := flag.String("file", "", "Path to the exam JSON file")
	publish := flag.Bool("publish", false, "Publish the exam after creating it")
	flag.Parse()

	if *file == "" {
		fmt.Fprintln(os.Stderr, "-file is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	validator.Setup()

	data, err := os.ReadFile(*file)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read exam file")
	}
	var req model.CreateExamRequest
	if err := json.Unmarshal(data, &req); err != nil {
		log.Fatal().Err(err).Msg("Exam file is not valid JSON")
	}
	if fields := validator.Struct(&req); fields != nil {
		for field, msg := range fields {
			log.Error().Str("field", field).Msg(msg)
		}
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	examService := service.NewExamService(
		repository.NewExamRepository(pool),
		repository.NewQuestionRepository(pool),
		rdb,
		log,
	)

	exam, err := examService.Create(ctx, req)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create exam")
	}
	log.Info().
		Str("exam_id", exam.ID.String()).
		Int("questions", len(req.Questions)).
		Msg("Exam created")

	if *publish {
		if err := examService.Publish(ctx, exam.ID); err != nil {
			log.Fatal().Err(err).Msg("Failed to publish exam")
		}
		log.Info().Str("exam_id", exam.ID.String()).Msg("Exam published")
	}
	fmt.Println(exam.ID)
}
