package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Database struct {
		Path string
	}
	Download struct {
		DataDir       string
		MaxConcurrent int
	}
	Archive struct {
		Bucket    string
		KeyPrefix string
		Region    string
		Endpoint  string
	}
	Auth struct {
		Secret          string
		TokenTTLMinutes int
	}
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	if err := loadDotEnv(); err != nil {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("STREAMREEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("database.path", "data/streamreel.db")
	v.SetDefault("download.datadir", "data/downloads")
	v.SetDefault("download.maxconcurrent", 3)
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.keyprefix", "streamreel")
	v.SetDefault("archive.region", "us-east-1")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.tokenttlminutes", 60)

	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Download.MaxConcurrent <= 0 {
		cfg.Download.MaxConcurrent = 3
	}

	return cfg, nil
}

// loadDotEnv pre-seeds the process environment from a .env file so viper's
// AutomaticEnv pass in Load picks the values up. A missing file is not an
// error; a file that can't be read past is, since silently running with a
// half-loaded .env is worse than failing startup.
func loadDotEnv() error {
	file, err := os.Open(".env")
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open .env: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		line = strings.TrimPrefix(line, "export ")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		partsIndex := strings.Index(line, "=")
		if partsIndex <= 0 {
			continue
		}

		key := strings.TrimSpace(line[:partsIndex])
		value := strings.TrimSpace(line[partsIndex+1:])
		value = strings.Trim(value, `"'`)
		if key == "" {
			continue
		}

		if _, exists := os.LookupEnv(key); !exists {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("set env %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}
