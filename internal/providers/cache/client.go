// Package cache provides the key/value capability backed by Redis
package cache

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NikhilSetiya/bizchat-gateway/internal/registry"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/config"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/errors"
)

// Operation names exposed by a cache resource
const (
	OpGet       = "get"
	OpSet       = "set"
	OpDelete    = "delete"
	OpExists    = "exists"
	OpIncrement = "increment"
	OpTTL       = "ttl"
)

const (
	defaultPrefix = "bizchat"
	defaultTTL    = time.Hour
)

// ErrNotFound is returned by Get when the key is absent
var ErrNotFound = stderrors.New("cache: key not found")

// Key is a namespaced cache key
type Key struct {
	Prefix string
	ID     string
}

// String returns the formatted cache key
func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.Prefix, k.ID)
}

// Client is a Redis-backed cache resource
type Client struct {
	name       string
	rdb        *redis.Client
	prefix     string
	defaultTTL time.Duration
}

// NewConnector returns the registry connector for cache resources
func NewConnector() registry.Connector {
	return func(ctx context.Context, d config.ResourceDescriptor) (registry.Connection, error) {
		client, err := NewClient(d)
		if err != nil {
			return nil, err
		}
		if err := client.Probe(ctx); err != nil {
			_ = client.Close()
			return nil, err
		}
		return client, nil
	}
}

// NewClient builds a client without contacting the server. The endpoint is
// either a redis:// URL or a host:port address.
func NewClient(d config.ResourceDescriptor) (*Client, error) {
	opts, err := redisOptions(d)
	if err != nil {
		return nil, err
	}

	ttl := defaultTTL
	if raw := d.Setting("default_ttl", ""); raw != "" {
		ttl, err = time.ParseDuration(raw)
		if err != nil || ttl <= 0 {
			return nil, errors.NewConfigurationError(fmt.Sprintf("resource %q default_ttl must be a positive duration", d.Name))
		}
	}

	return &Client{
		name:       d.Name,
		rdb:        redis.NewClient(opts),
		prefix:     d.Setting("key_prefix", defaultPrefix),
		defaultTTL: ttl,
	}, nil
}

func redisOptions(d config.ResourceDescriptor) (*redis.Options, error) {
	var opts *redis.Options
	if strings.Contains(d.Endpoint, "://") {
		parsed, err := redis.ParseURL(d.Endpoint)
		if err != nil {
			return nil, errors.NewConfigurationError(fmt.Sprintf("resource %q has an invalid redis URL", d.Name)).WithCause(err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: d.Endpoint}
	}

	if password := d.Credential("password"); password != "" {
		opts.Password = password
	}
	if raw := d.Setting("pool_size", ""); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size <= 0 {
			return nil, errors.NewConfigurationError(fmt.Sprintf("resource %q pool_size must be a positive integer", d.Name))
		}
		opts.PoolSize = size
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second
	opts.ConnMaxIdleTime = 5 * time.Minute
	opts.MaxRetries = 1
	opts.MinRetryBackoff = 8 * time.Millisecond
	opts.MaxRetryBackoff = 512 * time.Millisecond
	return opts, nil
}

// Operations implements registry.Connection
func (c *Client) Operations() map[string]registry.Operation {
	return map[string]registry.Operation{
		OpGet:       c.getOperation,
		OpSet:       c.setOperation,
		OpDelete:    c.deleteOperation,
		OpExists:    c.existsOperation,
		OpIncrement: c.incrementOperation,
		OpTTL:       c.ttlOperation,
	}
}

// Probe sends PING
func (c *Client) Probe(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return errors.NewExternalError(c.name, "redis ping failed").WithCause(err)
	}
	return nil
}

// Close closes the Redis connection pool
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Key namespaces id under the client's prefix
func (c *Client) Key(id string) Key {
	return Key{Prefix: c.prefix, ID: id}
}

// Set stores value under key. A zero ttl uses the client default.
func (c *Client) Set(ctx context.Context, key Key, value interface{}, ttl time.Duration) error {
	data, err := serialize(value)
	if err != nil {
		return errors.NewValidationError("failed to serialize cache value").WithCause(err)
	}
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	if err := c.rdb.Set(ctx, key.String(), data, ttl).Err(); err != nil {
		return errors.NewExternalError(c.name, "failed to set cache value").WithCause(err)
	}
	return nil
}

// Get decodes the value under key into dest. ErrNotFound is returned for a
// missing key.
func (c *Client) Get(ctx context.Context, key Key, dest interface{}) error {
	data, err := c.rdb.Get(ctx, key.String()).Result()
	if err != nil {
		if err == redis.Nil {
			return ErrNotFound
		}
		return errors.NewExternalError(c.name, "failed to get cache value").WithCause(err)
	}
	if err := deserialize(data, dest); err != nil {
		return errors.NewInternalError("failed to deserialize cache value").WithCause(err)
	}
	return nil
}

// Delete removes key and reports whether it existed
func (c *Client) Delete(ctx context.Context, key Key) (bool, error) {
	n, err := c.rdb.Del(ctx, key.String()).Result()
	if err != nil {
		return false, errors.NewExternalError(c.name, "failed to delete cache key").WithCause(err)
	}
	return n > 0, nil
}

// Exists checks if a key exists in cache
func (c *Client) Exists(ctx context.Context, key Key) (bool, error) {
	n, err := c.rdb.Exists(ctx, key.String()).Result()
	if err != nil {
		return false, errors.NewExternalError(c.name, "failed to check cache key existence").WithCause(err)
	}
	return n > 0, nil
}

// Increment atomically adds delta to a counter and refreshes its ttl
func (c *Client) Increment(ctx context.Context, key Key, delta int64, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.IncrBy(ctx, key.String(), delta)
		if ttl > 0 {
			pipe.Expire(ctx, key.String(), ttl)
		}
		return nil
	})
	if err != nil {
		return 0, errors.NewExternalError(c.name, "failed to increment counter").WithCause(err)
	}
	return incr.Val(), nil
}

// TTL returns the remaining time to live of key. Negative values follow
// Redis: -1 for no expiry, -2 for a missing key.
func (c *Client) TTL(ctx context.Context, key Key) (time.Duration, error) {
	ttl, err := c.rdb.TTL(ctx, key.String()).Result()
	if err != nil {
		return 0, errors.NewExternalError(c.name, "failed to get TTL").WithCause(err)
	}
	return ttl, nil
}

func (c *Client) getOperation(ctx context.Context, args registry.Args) (interface{}, error) {
	key, err := c.keyArg(args)
	if err != nil {
		return nil, err
	}

	var value interface{}
	switch err := c.Get(ctx, key, &value); {
	case err == ErrNotFound:
		return map[string]interface{}{"key": key.ID, "found": false}, nil
	case err != nil:
		return nil, err
	}
	return map[string]interface{}{"key": key.ID, "found": true, "value": value}, nil
}

func (c *Client) setOperation(ctx context.Context, args registry.Args) (interface{}, error) {
	key, err := c.keyArg(args)
	if err != nil {
		return nil, err
	}
	value, ok := args["value"]
	if !ok {
		return nil, errors.NewValidationError("value is required")
	}
	ttl, err := durationArg(args, "ttl_seconds")
	if err != nil {
		return nil, err
	}
	if err := c.Set(ctx, key, value, ttl); err != nil {
		return nil, err
	}
	return map[string]interface{}{"key": key.ID, "stored": true}, nil
}

func (c *Client) deleteOperation(ctx context.Context, args registry.Args) (interface{}, error) {
	key, err := c.keyArg(args)
	if err != nil {
		return nil, err
	}
	deleted, err := c.Delete(ctx, key)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"key": key.ID, "deleted": deleted}, nil
}

func (c *Client) existsOperation(ctx context.Context, args registry.Args) (interface{}, error) {
	key, err := c.keyArg(args)
	if err != nil {
		return nil, err
	}
	exists, err := c.Exists(ctx, key)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"key": key.ID, "exists": exists}, nil
}

func (c *Client) incrementOperation(ctx context.Context, args registry.Args) (interface{}, error) {
	key, err := c.keyArg(args)
	if err != nil {
		return nil, err
	}
	delta := int64(1)
	if raw, ok := args["delta"]; ok {
		n, ok := toInt64(raw)
		if !ok {
			return nil, errors.NewValidationError("delta must be an integer")
		}
		delta = n
	}
	ttl, err := durationArg(args, "ttl_seconds")
	if err != nil {
		return nil, err
	}
	value, err := c.Increment(ctx, key, delta, ttl)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"key": key.ID, "value": value}, nil
}

func (c *Client) ttlOperation(ctx context.Context, args registry.Args) (interface{}, error) {
	key, err := c.keyArg(args)
	if err != nil {
		return nil, err
	}
	ttl, err := c.TTL(ctx, key)
	if err != nil {
		return nil, err
	}
	seconds := int64(ttl / time.Second)
	if ttl < 0 {
		seconds = int64(ttl)
	}
	return map[string]interface{}{"key": key.ID, "ttl_seconds": seconds}, nil
}

func (c *Client) keyArg(args registry.Args) (Key, error) {
	id, _ := args["key"].(string)
	if id == "" {
		return Key{}, errors.NewValidationError("key is required")
	}
	return c.Key(id), nil
}

func durationArg(args registry.Args, name string) (time.Duration, error) {
	raw, ok := args[name]
	if !ok {
		return 0, nil
	}
	n, ok := toInt64(raw)
	if !ok || n < 0 {
		return 0, errors.NewValidationError(name + " must be a non-negative integer")
	}
	return time.Duration(n) * time.Second, nil
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// serialize stores strings as-is and everything else as JSON
func serialize(value interface{}) (string, error) {
	if str, ok := value.(string); ok {
		return str, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// deserialize decodes JSON, falling back to the raw string for values that
// were stored as plain strings
func deserialize(data string, dest interface{}) error {
	if str, ok := dest.(*string); ok {
		*str = data
		return nil
	}
	if err := json.Unmarshal([]byte(data), dest); err != nil {
		if v, ok := dest.(*interface{}); ok {
			*v = data
			return nil
		}
		return err
	}
	return nil
}
