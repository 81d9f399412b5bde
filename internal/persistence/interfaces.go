package persistence

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"trialtrends/internal/core"
)

// QueryExecutor runs a parameterized SQL query against the tabular source and
// returns the rows as observations. Columns are matched by name: condition,
// month and trial_count.
type QueryExecutor interface {
	Query(ctx context.Context, query string, args ...any) ([]core.ConditionObservation, error)
}

// Config holds the connection parameters of the source database. It is
// passed explicitly at construction time.
type Config struct {
	Driver       string        // "postgres" or "sqlite"
	Host         string        // Postgres host
	Port         int           // Postgres port
	User         string        // Postgres user
	Password     string        // Postgres password
	DBName       string        // Postgres database name
	SSLMode      string        // Postgres sslmode (default: require)
	Path         string        // SQLite file path, ":memory:" for tests
	Timeout      time.Duration // Connect timeout (default: 60s)
	MaxOpenConns int           // Pool size (default: 4)
}

// DSN returns the driver-specific connection string
func (c Config) DSN() (string, error) {
	switch c.Driver {
	case "postgres", "":
		if c.Host == "" || c.DBName == "" {
			return "", fmt.Errorf("postgres host and database name are required")
		}
		if c.User == "" {
			return "", fmt.Errorf("database user is required (set AACT_USERNAME)")
		}
		sslMode := c.SSLMode
		if sslMode == "" {
			sslMode = "require"
		}
		port := c.Port
		if port == 0 {
			port = 5432
		}
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(c.User, c.Password),
			Host:   fmt.Sprintf("%s:%d", c.Host, port),
			Path:   "/" + c.DBName,
		}
		q := u.Query()
		q.Set("sslmode", sslMode)
		if c.Timeout > 0 {
			q.Set("connect_timeout", fmt.Sprintf("%d", int(c.Timeout.Seconds())))
		}
		u.RawQuery = q.Encode()
		return u.String(), nil
	case "sqlite":
		if c.Path == "" {
			return "", fmt.Errorf("sqlite path is required")
		}
		if c.Path == ":memory:" {
			return c.Path, nil
		}
		return c.Path + "?_pragma=busy_timeout(5000)", nil
	default:
		return "", fmt.Errorf("unsupported database driver: %s", c.Driver)
	}
}

// Redacted describes the target without credentials, for logs
func (c Config) Redacted() string {
	if c.Driver == "sqlite" {
		return "sqlite:" + c.Path
	}
	return fmt.Sprintf("postgres://%s@%s:%d/%s", c.User, c.Host, c.Port, c.DBName)
}
