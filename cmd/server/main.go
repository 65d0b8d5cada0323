package main

import (
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"coursepilot/internal/api"
	"coursepilot/internal/config"
	"coursepilot/internal/db"
	"coursepilot/internal/extract"
	"coursepilot/internal/services"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if os.Getenv("LOG_PRETTY") != "" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	cfg := config.Load()

	conn, err := db.Open(cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("open database")
	}
	defer conn.Close()

	userService := services.NewUserService(conn, cfg)
	syncService := services.NewSyncService(conn, cfg, logger)
	extractor := extract.NewService(cfg.HTTPTimeout, logger)
	generator := services.NewGenerator(cfg, extractor, logger)
	flashcardService := services.NewFlashcardService(conn)
	quizService := services.NewQuizService(conn)
	chatService := services.NewChatService(conn)

	server := api.NewServer(cfg, userService, syncService, generator,
		flashcardService, quizService, chatService, logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	logger.Info().Str("port", port).Msg("listening")

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("server failed")
	}
}
