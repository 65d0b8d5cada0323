package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config stores runtime configuration loaded from environment variables.
// The sync and generation heuristics (term markers, skip keywords, palette,
// content budgets) live here so callers never hard-code them.
type Config struct {
	GroqKey      string
	GroqEndpoint string
	GroqModel    string

	CanvasURL         string
	SessionCookieName string
	SecretKey         string

	Database string

	HTTPTimeout time.Duration

	// Course discovery heuristics.
	TermMarkers  []string
	SkipKeywords []string
	CourseColors []string

	// Generation budgets.
	MaxFilesPerCall int
	MinContentChars int
	MaxContentChars int
	MinExtractChars int
}

// Load reads configuration from the environment, providing sensible defaults.
func Load() Config {
	// Load .env file if it exists (useful for development)
	_ = godotenv.Load()
	cfg := Config{
		GroqKey:      os.Getenv("GROQ_API_KEY"),
		GroqEndpoint: getEnv("GROQ_API_ENDPOINT", "https://api.groq.com/openai/v1"),
		GroqModel:    getEnv("GROQ_MODEL", "llama-3.1-8b-instant"),

		CanvasURL:         getEnv("CANVAS_INSTANCE_URL", "https://canvas.instructure.com"),
		SessionCookieName: getEnv("CANVAS_COOKIE_NAME", "canvas_session"),
		SecretKey:         getEnv("SECRET_KEY", "dev-secret-change-me"),

		Database: getEnv("DATABASE_PATH", "./data/coursepilot.db"),

		HTTPTimeout: getDuration("HTTP_TIMEOUT", 30*time.Second),

		TermMarkers:  getList("TERM_MARKERS", "f25,fall 2025"),
		SkipKeywords: getList("COURSE_SKIP_KEYWORDS", "template,sandbox,test,demo,avoiding plagiarism,career readiness,data literacy,college of engineering,bellini,canvas workshop,undergraduate"),
		CourseColors: getList("COURSE_COLORS", "#3B82F6,#10B981,#F59E0B,#8B5CF6,#EF4444,#06B6D4"),

		MaxFilesPerCall: getInt("MAX_FILES_PER_CALL", 5),
		MinContentChars: getInt("MIN_CONTENT_CHARS", 200),
		MaxContentChars: getInt("MAX_CONTENT_CHARS", 8000),
		MinExtractChars: getInt("MIN_EXTRACT_CHARS", 50),
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database), 0o755); err != nil {
		log.Fatalf("failed to ensure database dir %s: %v", cfg.Database, err)
	}

	return cfg
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if d, err := time.ParseDuration(val); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func getList(key, fallback string) []string {
	raw := getEnv(key, fallback)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
