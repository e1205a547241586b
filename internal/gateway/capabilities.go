package gateway

import (
	"context"
	"fmt"

	"github.com/NikhilSetiya/bizchat-gateway/internal/database"
	"github.com/NikhilSetiya/bizchat-gateway/internal/providers/cache"
	"github.com/NikhilSetiya/bizchat-gateway/internal/providers/dataquery"
	"github.com/NikhilSetiya/bizchat-gateway/internal/providers/search"
	"github.com/NikhilSetiya/bizchat-gateway/internal/registry"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/config"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/errors"
)

// Version is reported in health metadata and tracing resources
const Version = "1.0.0"

// Search returns the typed client of a search resource. The returned client
// bypasses the registry's health gate and breaker; prefer
// ExecuteWithContext for foreground calls.
func (g *Gateway) Search(name string) (*search.Client, error) {
	return capability[*search.Client](g, name, config.KindSearch)
}

// DataQuery returns the typed client of a data-query resource
func (g *Gateway) DataQuery(name string) (*dataquery.Client, error) {
	return capability[*dataquery.Client](g, name, config.KindDataQuery)
}

// Cache returns the typed client of a cache resource
func (g *Gateway) Cache(name string) (*cache.Client, error) {
	return capability[*cache.Client](g, name, config.KindCache)
}

func capability[T registry.Connection](g *Gateway, name string, kind config.ResourceKind) (T, error) {
	var zero T
	handle, ok := g.registry.GetConnection(name)
	if !ok {
		return zero, errors.NewResourceUnavailableError(name)
	}
	if handle.Kind() != kind {
		return zero, errors.NewValidationError(fmt.Sprintf("resource %q is of kind %s, not %s", name, handle.Kind(), kind))
	}
	typed, ok := handle.Connection().(T)
	if !ok {
		return zero, errors.NewValidationError(fmt.Sprintf("resource %q has an unexpected connection type %T", name, handle.Connection()))
	}
	return typed, nil
}

// Operation names of relational-store resources
const (
	OpQuery = "query"
	OpExec  = "exec"
)

// storeConnection exposes the primary store pool as a registry resource.
// The pool outlives the registry, so Close leaves it open.
type storeConnection struct {
	pool *database.Manager
}

func newStoreConnector(pool *database.Manager) registry.Connector {
	return func(ctx context.Context, d config.ResourceDescriptor) (registry.Connection, error) {
		conn := &storeConnection{pool: pool}
		if err := conn.Probe(ctx); err != nil {
			return nil, err
		}
		return conn, nil
	}
}

func (c *storeConnection) Operations() map[string]registry.Operation {
	return map[string]registry.Operation{
		OpQuery: func(ctx context.Context, args registry.Args) (interface{}, error) {
			sql, params, err := statementArgs(args)
			if err != nil {
				return nil, err
			}
			return c.pool.Query(ctx, sql, params...)
		},
		OpExec: func(ctx context.Context, args registry.Args) (interface{}, error) {
			sql, params, err := statementArgs(args)
			if err != nil {
				return nil, err
			}
			affected, err := c.pool.Exec(ctx, sql, params...)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"rows_affected": affected}, nil
		},
	}
}

func (c *storeConnection) Probe(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

func (c *storeConnection) Close() error { return nil }

func statementArgs(args registry.Args) (string, []interface{}, error) {
	sql, _ := args["sql"].(string)
	if sql == "" {
		return "", nil, errors.NewValidationError("sql is required")
	}
	switch params := args["params"].(type) {
	case nil:
		return sql, nil, nil
	case []interface{}:
		return sql, params, nil
	default:
		return "", nil, errors.NewValidationError("params must be a list")
	}
}
