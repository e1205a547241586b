// Package dataquery connects to data-query resources that expose their
// operations as MCP tools.
package dataquery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/NikhilSetiya/bizchat-gateway/internal/registry"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/config"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/errors"
)

const (
	clientName    = "bizchat-gateway"
	clientVersion = "1.0.0"
	callTimeout   = 60 * time.Second
)

// Dialer creates an unstarted MCP client for a descriptor
type Dialer func(d config.ResourceDescriptor) (*client.Client, error)

// Options configures the data-query connector
type Options struct {
	// Dial overrides how the MCP client is created. Defaults to a
	// streamable HTTP client against the descriptor endpoint.
	Dial Dialer
}

// Client is an initialized MCP session with a data-query server
type Client struct {
	name       string
	mcp        *client.Client
	tools      []string
	serverInfo mcp.Implementation
}

// NewConnector returns the registry connector for data-query resources
func NewConnector(opts Options) registry.Connector {
	dial := opts.Dial
	if dial == nil {
		dial = DialHTTP
	}
	return func(ctx context.Context, d config.ResourceDescriptor) (registry.Connection, error) {
		c, err := dial(d)
		if err != nil {
			return nil, err
		}
		return Open(ctx, d.Name, c)
	}
}

// DialHTTP creates a streamable HTTP MCP client. An api_key credential is
// sent as a bearer token.
func DialHTTP(d config.ResourceDescriptor) (*client.Client, error) {
	var opts []transport.StreamableHTTPCOption
	if key := d.Credential("api_key"); key != "" {
		opts = append(opts, transport.WithHTTPHeaders(map[string]string{
			"Authorization": "Bearer " + key,
		}))
	}
	c, err := client.NewStreamableHttpClient(d.Endpoint, opts...)
	if err != nil {
		return nil, errors.NewConfigurationError(fmt.Sprintf("resource %q: invalid MCP endpoint", d.Name)).WithCause(err)
	}
	return c, nil
}

// Open starts c, performs the MCP handshake and discovers the server's
// tools. c is closed on failure.
func Open(ctx context.Context, name string, c *client.Client) (*Client, error) {
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, errors.NewExternalError(name, "failed to start MCP transport").WithCause(err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	initResult, err := c.Initialize(ctx, initReq)
	if err != nil {
		_ = c.Close()
		return nil, errors.NewExternalError(name, "MCP initialize failed").WithCause(err)
	}

	listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return nil, errors.NewExternalError(name, "failed to list MCP tools").WithCause(err)
	}

	tools := make([]string, 0, len(listed.Tools))
	for _, tool := range listed.Tools {
		tools = append(tools, tool.Name)
	}

	return &Client{
		name:       name,
		mcp:        c,
		tools:      tools,
		serverInfo: initResult.ServerInfo,
	}, nil
}

// Tools returns the tool names the server advertised at connect time
func (c *Client) Tools() []string {
	out := make([]string, len(c.tools))
	copy(out, c.tools)
	return out
}

// ServerInfo returns the name and version the server reported
func (c *Client) ServerInfo() mcp.Implementation {
	return c.serverInfo
}

// Operations implements registry.Connection. Every advertised tool becomes
// one operation.
func (c *Client) Operations() map[string]registry.Operation {
	ops := make(map[string]registry.Operation, len(c.tools))
	for _, tool := range c.tools {
		ops[tool] = func(ctx context.Context, args registry.Args) (interface{}, error) {
			return c.CallTool(ctx, tool, args)
		}
	}
	return ops
}

// Probe sends an MCP ping
func (c *Client) Probe(ctx context.Context) error {
	if err := c.mcp.Ping(ctx); err != nil {
		return errors.NewExternalError(c.name, "MCP ping failed").WithCause(err)
	}
	return nil
}

// Close ends the MCP session
func (c *Client) Close() error {
	return c.mcp.Close()
}

// CallTool invokes a tool and decodes its result. Structured content is
// returned as is; text content is decoded as JSON when possible.
func (c *Client) CallTool(ctx context.Context, tool string, args registry.Args) (interface{}, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, callTimeout)
		defer cancel()
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = map[string]interface{}(args)

	result, err := c.mcp.CallTool(ctx, req)
	if err != nil {
		return nil, errors.NewExternalError(c.name, fmt.Sprintf("tool %s failed", tool)).WithCause(err)
	}

	text := textContent(result.Content)
	if result.IsError {
		return nil, errors.NewExternalError(c.name, fmt.Sprintf("tool %s returned an error: %s", tool, text))
	}
	if result.StructuredContent != nil {
		return result.StructuredContent, nil
	}

	var decoded interface{}
	if err := json.Unmarshal([]byte(text), &decoded); err == nil {
		return decoded, nil
	}
	return text, nil
}

func textContent(contents []mcp.Content) string {
	parts := make([]string, 0, len(contents))
	for _, content := range contents {
		switch v := content.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		}
	}
	return strings.Join(parts, "\n")
}
