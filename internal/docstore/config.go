// Package docstore provides the connection pool and query-admission
// limiter for the upstream clinical-record document store (SPEC_FULL
// §6: the "batch layer" collaborator holding hfj_resource/hfj_res_ver).
package docstore

import (
	"errors"
	"strings"
	"time"
)

const (
	defaultMaxOpenConns    = 20
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute
	defaultQueryDeadline   = 30 * time.Second

	// defaultQueriesPerSecond bounds query admission beyond what pool
	// sizing alone controls (SPEC_FULL DOMAIN STACK: golang.org/x/time/rate).
	defaultQueriesPerSecond = 100
	defaultBurst            = 20
)

// ErrDatabaseURLEmpty is returned when the database URL is an empty string.
var ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")

// Config holds document-store connection configuration. The URL is
// kept private so it cannot accidentally flow into a log line or
// %+v-formatted struct dump; MaskDatabaseURL exposes a safe rendering.
type Config struct {
	url string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	QueryDeadline   time.Duration

	QueriesPerSecond float64
	Burst            int
}

// NewConfig builds a Config from an explicit URL and pool bounds,
// applying defaults for anything left zero.
func NewConfig(url string, minConns, maxConns int) Config {
	cfg := Config{
		url:              url,
		MaxOpenConns:     maxConns,
		MaxIdleConns:     minConns,
		ConnMaxLifetime:  defaultConnMaxLifetime,
		ConnMaxIdleTime:  defaultConnMaxIdleTime,
		QueryDeadline:    defaultQueryDeadline,
		QueriesPerSecond: defaultQueriesPerSecond,
		Burst:            defaultBurst,
	}

	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = defaultMaxOpenConns
	}

	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = defaultMaxIdleConns
	}

	return cfg
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if strings.TrimSpace(c.url) == "" {
		return ErrDatabaseURLEmpty
	}

	return nil
}

// URL returns the raw connection string. Only pass this to the SQL
// driver; never to a logger.
func (c Config) URL() string {
	return c.url
}

// MaskDatabaseURL returns a version of the connection string safe for
// logging, replacing any password component with "***".
func (c Config) MaskDatabaseURL() string {
	if c.url == "" {
		return ""
	}

	schemeEnd := strings.Index(c.url, "://")
	if schemeEnd == -1 {
		return c.url
	}

	afterScheme := c.url[schemeEnd+3:]

	lastAt := strings.LastIndex(afterScheme, "@")
	if lastAt == -1 {
		return c.url
	}

	userInfo := afterScheme[:lastAt]

	colon := strings.Index(userInfo, ":")
	if colon == -1 {
		return c.url
	}

	username := userInfo[:colon]
	password := userInfo[colon+1:]

	if password == "" {
		return c.url
	}

	scheme := c.url[:schemeEnd]
	hostAndRest := afterScheme[lastAt:]

	return scheme + "://" + username + ":***" + hostAndRest
}
