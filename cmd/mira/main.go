package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anindo/mira/common/environment"
	"github.com/anindo/mira/common/version"
	"github.com/anindo/mira/internal/mira/app"
	"github.com/anindo/mira/internal/mira/extract"
	"github.com/anindo/mira/internal/mira/llm"
	"github.com/anindo/mira/internal/mira/matrix"
)

func main() {
	fmt.Printf("Mira Companion\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mira, err := app.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize Mira: %v\n", err)
		os.Exit(1)
	}

	if err := mira.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error running Mira: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging() {
	level := slog.LevelInfo
	if environment.BoolOr("DEBUG", false) {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// loadConfig loads configuration from environment variables. The Matrix
// credentials are required; everything else has a default.
func loadConfig() (app.Config, error) {
	homeserver, err := environment.RequiredString("MATRIX_HOMESERVER")
	if err != nil {
		return app.Config{}, err
	}
	userID, err := environment.RequiredString("MATRIX_USER_ID")
	if err != nil {
		return app.Config{}, err
	}
	accessToken, err := environment.RequiredString("MATRIX_ACCESS_TOKEN")
	if err != nil {
		return app.Config{}, err
	}

	apiKey := environment.StringOr("LLM_API_KEY", environment.StringOr("GROQ_API_KEY", ""))
	if apiKey == "" {
		return app.Config{}, fmt.Errorf("required environment variable %q is not set", "LLM_API_KEY")
	}

	sweepAt := environment.ClockTimeOr("SWEEP_TIME_UTC", environment.ClockTime{Hour: 9})

	return app.Config{
		DatabaseURL:  environment.StringOr("DATABASE_URL", ""),
		DatabasePath: environment.StringOr("DATABASE_PATH", "./mira.db"),
		Matrix: matrix.Config{
			Homeserver:  homeserver,
			UserID:      userID,
			AccessToken: accessToken,
		},
		LLM: llm.Config{
			APIKey:  apiKey,
			BaseURL: environment.StringOr("LLM_BASE_URL", ""),
			Model:   environment.StringOr("LLM_MODEL", ""),
			Timeout: environment.DurationOr("LLM_TIMEOUT", 30*time.Second),
		},
		PersonaPath:      environment.StringOr("PERSONA_PATH", ""),
		MediaDir:         environment.StringOr("MEDIA_DIR", ""),
		HTTPAddr:         environment.StringOr("HTTP_ADDR", ":8080"),
		SweepHour:        sweepAt.Hour,
		SweepMinute:      sweepAt.Minute,
		DriftProbability: environment.FloatOr("MOOD_DRIFT_PROBABILITY", extract.DefaultDriftProbability),
		GenTimeout:       environment.DurationOr("GENERATION_TIMEOUT", 45*time.Second),
	}, nil
}
