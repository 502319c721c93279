package config

import (
	"fmt"
	"sync"
)

var (
	databaseOnce   sync.Once
	databaseConfig *DatabaseConfig
)

// DatabaseConfig selects the record store. Driver is one of postgres, sqlite
// or memory.
type DatabaseConfig struct {
	Driver   string
	DSN      string
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

func GetDatabaseConfig() *DatabaseConfig {
	databaseOnce.Do(func() {
		loadEnv()

		databaseConfig = &DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			DSN:      getEnv("DB_DSN", ""),
			Host:     getEnv("POSTGRES_HOST", "localhost"),
			Port:     getEnvInt("POSTGRES_PORT", 5432),
			User:     getEnv("POSTGRES_USER", "postgres"),
			Password: getEnv("POSTGRES_PASSWORD", ""),
			Name:     getEnv("POSTGRES_NAME", "lectures"),
			SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		}
	})
	return databaseConfig
}

// ConnString returns DSN when set, otherwise builds a postgres DSN from the parts.
func (c *DatabaseConfig) ConnString() string {
	if c.DSN != "" {
		return c.DSN
	}
	if c.Driver == "sqlite" {
		return "lectures.db"
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		c.Host, c.User, c.Password, c.Name, c.Port, c.SSLMode)
}
