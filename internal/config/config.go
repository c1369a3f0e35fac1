package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	DataDir       string
	DBPath        string
	ImagesDir     string
	LogPath       string
	ServerAddress string
	InsecureTLS   bool
	DefaultWidth  int
	DefaultHeight int
	LogLevel      string
}

func New() (*Config, error) {
	// Optional .env in the working directory; real env vars win.
	godotenv.Load()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("CLOUDART_DATA_DIR", filepath.Join(homeDir, ".cloudart"))

	c := &Config{
		DataDir:       dataDir,
		DBPath:        filepath.Join(dataDir, "cloudart.db"),
		ImagesDir:     filepath.Join(dataDir, "images"),
		LogPath:       filepath.Join(dataDir, "cloudart.log"),
		ServerAddress: getEnv("CLOUDART_SERVER", "127.0.0.1:8000"),
		InsecureTLS:   getEnvBool("CLOUDART_INSECURE_TLS", true),
		DefaultWidth:  getEnvInt("CLOUDART_WIDTH", 1024),
		DefaultHeight: getEnvInt("CLOUDART_HEIGHT", 1024),
		LogLevel:      getEnv("CLOUDART_LOG_LEVEL", "info"),
	}

	return c, nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(c.ImagesDir, 0755); err != nil {
		return err
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
