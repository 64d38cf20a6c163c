// Package redis implements the domain stream and rate-limit interfaces using
// go-redis/v9.
package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// ClientConfig holds connection parameters for the Redis client. URL accepts
// redis://, rediss:// and redis+sentinel:// forms; the sentinel form is
// redis+sentinel://[:password@]host1:port1,host2:port2/mastername.
type ClientConfig struct {
	URL        string
	PoolSize   int
	MaxRetries int
}

// Client wraps a go-redis client and provides connectivity helpers. The
// underlying client is a UniversalClient so sentinel and standalone
// deployments share one code path.
type Client struct {
	rdb redis.UniversalClient
}

// New creates a new Redis Client, pings it to verify connectivity, and
// returns the wrapper. It returns an error if the connection cannot be
// established.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	rdb, err := open(cfg)
	if err != nil {
		return nil, err
	}

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

func open(cfg ClientConfig) (redis.UniversalClient, error) {
	if strings.HasPrefix(cfg.URL, "redis+sentinel://") {
		fo, err := parseSentinelURL(cfg.URL)
		if err != nil {
			return nil, err
		}
		fo.PoolSize = cfg.PoolSize
		fo.MaxRetries = cfg.MaxRetries
		return redis.NewFailoverClient(fo), nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.MaxRetries = cfg.MaxRetries
	return redis.NewClient(opts), nil
}

// parseSentinelURL splits a redis+sentinel:// URL into failover options.
// go-redis has no native parser for this scheme.
func parseSentinelURL(raw string) (*redis.FailoverOptions, error) {
	rest := strings.TrimPrefix(raw, "redis+sentinel://")

	var password string
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		cred := rest[:at]
		rest = rest[at+1:]
		if colon := strings.Index(cred, ":"); colon >= 0 {
			password = cred[colon+1:]
		} else {
			password = cred
		}
	}

	master := "mymaster"
	hosts := rest
	if slash := strings.Index(rest, "/"); slash >= 0 {
		hosts = rest[:slash]
		if name := strings.Trim(rest[slash+1:], "/"); name != "" {
			master = name
		}
	}

	addrs := strings.Split(hosts, ",")
	for i, a := range addrs {
		addrs[i] = strings.TrimSpace(a)
	}
	if len(addrs) == 0 || addrs[0] == "" {
		return nil, fmt.Errorf("redis: sentinel url %q has no addresses", raw)
	}

	return &redis.FailoverOptions{
		MasterName:    master,
		SentinelAddrs: addrs,
		Password:      password,
	}, nil
}

// Ping checks the Redis connection.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Underlying returns the raw client for sub-packages that need direct access
// to the driver.
func (c *Client) Underlying() redis.UniversalClient {
	return c.rdb
}
