package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr           string
	LogLevel           string
	LogFormat          string
	TorrentDataDir     string
	RuntimeConfigPath  string
	ResumeBackend      string
	ResumeDir          string
	MongoURI           string
	MongoDatabase      string
	MongoCollection    string
	EventBufferSize    int
	CommandQueueSize   int
	PollInterval       time.Duration
	RedisURL           string
	RedisStream        string
	RedisStreamMaxLen  int64
	CORSAllowedOrigins []string
	RateLimitRPS       int64
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
		LogLevel:           strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(getEnv("LOG_FORMAT", "text")),
		TorrentDataDir:     getEnv("TORRENT_DATA_DIR", "data"),
		RuntimeConfigPath:  getEnv("ENGINE_CONFIG_PATH", ""),
		ResumeBackend:      strings.ToLower(getEnv("RESUME_BACKEND", "fs")),
		ResumeDir:          getEnv("RESUME_DIR", "data/.resume"),
		MongoURI:           getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase:      getEnv("MONGO_DB", "torrentcore"),
		MongoCollection:    getEnv("MONGO_RESUME_COLLECTION", "resume"),
		EventBufferSize:    int(getEnvInt64("EVENT_BUFFER_SIZE", 1024)),
		CommandQueueSize:   int(getEnvInt64("COMMAND_QUEUE_SIZE", 128)),
		PollInterval:       getEnvDuration("ENGINE_POLL_INTERVAL", 200*time.Millisecond),
		RedisURL:           getEnv("REDIS_URL", ""),
		RedisStream:        getEnv("REDIS_EVENT_STREAM", "torrentcore:events"),
		RedisStreamMaxLen:  getEnvInt64("REDIS_EVENT_STREAM_MAXLEN", 10000),
		CORSAllowedOrigins: parseCSV(getEnv("CORS_ALLOWED_ORIGINS", "")),
		RateLimitRPS:       getEnvInt64("HTTP_RATE_LIMIT_RPS", 50),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func parseCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
