// Package redis builds redigo connection pools from a URI, shared by the
// redis broker and the redis result reporter.
package redis

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	thorErrors "github.com/BranchIntl/thorworker/errors"
	"github.com/gomodule/redigo/redis"
)

var (
	// ErrInvalidScheme is returned when the Redis URI scheme is invalid
	ErrInvalidScheme = errors.New("invalid Redis database URI scheme")
)

// Config describes how to reach Redis
type Config struct {
	URI            string
	MaxActive      int
	MaxIdle        int
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// TLS is implied by the rediss scheme
	UseTLS        bool
	TLSSkipVerify bool
	TLSCertPath   string
}

// DefaultConfig returns pool settings for a local Redis
func DefaultConfig() Config {
	return Config{
		URI:            "redis://localhost:6379/",
		MaxActive:      10,
		MaxIdle:        2,
		IdleTimeout:    240 * time.Second,
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// NewPool creates a Redis connection pool. Connections idle for more than a
// minute are pinged before reuse.
func NewPool(cfg Config) *redis.Pool {
	return &redis.Pool{
		MaxActive:   cfg.MaxActive,
		MaxIdle:     cfg.MaxIdle,
		IdleTimeout: cfg.IdleTimeout,
		Wait:        cfg.MaxActive > 0,
		Dial: func() (redis.Conn, error) {
			return Dial(cfg)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// Ping checks a connection from pool
func Ping(pool *redis.Pool, uri string) error {
	conn := pool.Get()
	defer conn.Close()

	if _, err := conn.Do("PING"); err != nil {
		return thorErrors.NewConnectionError(Redact(uri), fmt.Errorf("ping failed: %w", err))
	}
	return nil
}

// Dial establishes a Redis connection, authenticating and selecting the
// database named in the URI
func Dial(cfg Config) (redis.Conn, error) {
	redacted := Redact(cfg.URI)

	uri, err := url.Parse(cfg.URI)
	if err != nil {
		return nil, thorErrors.NewConnectionError(redacted,
			fmt.Errorf("invalid URI: %w", err))
	}

	var (
		network, host      string
		username, password string
		db                 string
	)
	dialOptions := []redis.DialOption{
		redis.DialConnectTimeout(cfg.ConnectTimeout),
		redis.DialReadTimeout(cfg.ReadTimeout),
		redis.DialWriteTimeout(cfg.WriteTimeout),
	}

	switch uri.Scheme {
	case "redis", "rediss":
		network = "tcp"
		host = uri.Host
		if uri.User != nil {
			username = uri.User.Username()
			password, _ = uri.User.Password()
		}
		if len(uri.Path) > 1 {
			db = uri.Path[1:]
		}

		if uri.Scheme == "rediss" || cfg.UseTLS {
			tlsConfig := &tls.Config{
				InsecureSkipVerify: cfg.TLSSkipVerify, //nolint:gosec // opt-in for self-signed test clusters
			}
			if cfg.TLSCertPath != "" {
				pool, err := LoadCertPool(cfg.TLSCertPath)
				if err != nil {
					return nil, thorErrors.NewConnectionError(redacted, err)
				}
				tlsConfig.RootCAs = pool
			}

			dialOptions = append(dialOptions,
				redis.DialUseTLS(true),
				redis.DialTLSConfig(tlsConfig),
			)
		}
	case "unix":
		network = "unix"
		host = uri.Path
	default:
		return nil, thorErrors.NewConnectionError(redacted, ErrInvalidScheme)
	}

	conn, err := redis.Dial(network, host, dialOptions...)
	if err != nil {
		return nil, thorErrors.NewConnectionError(redacted,
			fmt.Errorf("failed to connect: %w", err))
	}

	if password != "" {
		args := []interface{}{password}
		if username != "" {
			args = []interface{}{username, password}
		}
		if _, err := conn.Do("AUTH", args...); err != nil {
			conn.Close()
			return nil, thorErrors.NewConnectionError(redacted,
				fmt.Errorf("authentication failed: %w", err))
		}
	}

	if db != "" {
		if _, err := conn.Do("SELECT", db); err != nil {
			conn.Close()
			return nil, thorErrors.NewConnectionError(redacted,
				fmt.Errorf("failed to select database: %w", err))
		}
	}

	return conn, nil
}

// Redact strips the password from a Redis URI for logs and errors
func Redact(raw string) string {
	uri, err := url.Parse(raw)
	if err != nil {
		return "redis://"
	}
	return uri.Redacted()
}

// LoadCertPool loads a certificate pool from a file
func LoadCertPool(certPath string) (*x509.CertPool, error) {
	rootCAs, _ := x509.SystemCertPool()
	if rootCAs == nil {
		rootCAs = x509.NewCertPool()
	}

	certs, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read cert file %q: %w", certPath, err)
	}

	if ok := rootCAs.AppendCertsFromPEM(certs); !ok {
		return nil, fmt.Errorf("failed to append certs from %q", certPath)
	}

	return rootCAs, nil
}
