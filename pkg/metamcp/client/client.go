// Package client connects to upstream MCP servers over stdio, SSE, or
// streamable HTTP and exposes the subset of the protocol the gateway uses:
// tool listing and tool calls.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/metamcp/metamcp/pkg/logger"
	"github.com/metamcp/metamcp/pkg/metamcp"
)

const (
	// connectTimeout bounds one connect-and-initialize attempt.
	connectTimeout = 30 * time.Second

	// connectMaxTries bounds the attach retry loop, initial attempt
	// included. Tool calls are never retried.
	connectMaxTries = 3

	clientName    = "metamcp-gateway"
	clientVersion = "0.1.0"
)

// Options tunes upstream connections.
type Options struct {
	// InheritEnv passes the gateway's own environment to stdio subprocesses
	// in addition to the server's configured variables.
	InheritEnv bool
}

// Upstream is one connected upstream MCP server.
type Upstream struct {
	ServerName string
	ServerUUID string

	mcp *mcpclient.Client
}

// Connect creates, starts and initializes a client for the server,
// retrying transient transport failures with bounded exponential backoff.
func Connect(ctx context.Context, server *metamcp.McpServer, opts Options) (*Upstream, error) {
	operation := func() (*mcpclient.Client, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()

		c, err := newClient(server, opts)
		if err != nil {
			// Misconfiguration never heals on retry.
			return nil, backoff.Permanent(err)
		}
		if err := start(attemptCtx, c, server); err != nil {
			_ = c.Close()
			wrapped := wrapUpstreamError(err, server.Name, "connect")
			if errors.Is(wrapped, metamcp.ErrUpstreamUnavailable) || errors.Is(wrapped, metamcp.ErrTimeout) {
				return nil, wrapped
			}
			return nil, backoff.Permanent(wrapped)
		}
		return c, nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	c, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(connectMaxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Warnf("Connect to upstream %s failed, retrying in %s: %v", server.Name, wait, err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return &Upstream{
		ServerName: server.Name,
		ServerUUID: server.UUID.String(),
		mcp:        c,
	}, nil
}

// newClient builds the transport-specific mcp-go client.
func newClient(server *metamcp.McpServer, opts Options) (*mcpclient.Client, error) {
	switch server.Transport {
	case metamcp.TransportStdio:
		if server.Command == "" {
			return nil, fmt.Errorf("%w: stdio server %q has no command", metamcp.ErrValidation, server.Name)
		}
		return mcpclient.NewStdioMCPClient(server.Command, buildEnv(server, opts), server.Args...)

	case metamcp.TransportSSE:
		var sseOpts []transport.ClientOption
		if headers := buildHeaders(server); len(headers) > 0 {
			sseOpts = append(sseOpts, transport.WithHeaders(headers))
		}
		return mcpclient.NewSSEMCPClient(server.URL, sseOpts...)

	case metamcp.TransportStreamableHTTP:
		var httpOpts []transport.StreamableHTTPCOption
		if headers := buildHeaders(server); len(headers) > 0 {
			httpOpts = append(httpOpts, transport.WithHTTPHeaders(headers))
		}
		return mcpclient.NewStreamableHttpClient(server.URL, httpOpts...)

	default:
		return nil, fmt.Errorf("%w: %q", metamcp.ErrUnsupportedTransport, server.Transport)
	}
}

// buildEnv renders the subprocess environment for a stdio server.
func buildEnv(server *metamcp.McpServer, opts Options) []string {
	var env []string
	if opts.InheritEnv {
		env = os.Environ()
	}
	for key, value := range server.Env {
		env = append(env, key+"="+value)
	}
	return env
}

// buildHeaders renders HTTP headers for remote transports.
func buildHeaders(server *metamcp.McpServer) map[string]string {
	headers := make(map[string]string, len(server.Headers)+1)
	for key, value := range server.Headers {
		headers[key] = value
	}
	if server.BearerToken != "" {
		headers["Authorization"] = "Bearer " + server.BearerToken
	}
	return headers
}

// start runs the transport and the protocol handshake. Stdio clients are
// already started by their constructor.
func start(ctx context.Context, c *mcpclient.Client, server *metamcp.McpServer) error {
	if server.Transport != metamcp.TransportStdio {
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("starting transport: %w", err)
		}
	}
	_, err := c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    clientName,
				Version: clientVersion,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("initializing %s: %w", server.Name, err)
	}
	return nil
}

// ListTools fetches the upstream's current tool list.
func (u *Upstream) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	result, err := u.mcp.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, wrapUpstreamError(err, u.ServerName, "list tools")
	}
	return result.Tools, nil
}

// CallTool forwards one tool call. Never retried; transport failures
// surface to the downstream caller.
func (u *Upstream) CallTool(ctx context.Context, name string, arguments map[string]any) (*mcp.CallToolResult, error) {
	request := mcp.CallToolRequest{}
	request.Params.Name = name
	request.Params.Arguments = arguments

	result, err := u.mcp.CallTool(ctx, request)
	if err != nil {
		return nil, wrapUpstreamError(err, u.ServerName, "call tool "+name)
	}
	return result, nil
}

// Ping checks liveness of the upstream connection.
func (u *Upstream) Ping(ctx context.Context) error {
	if err := u.mcp.Ping(ctx); err != nil {
		return wrapUpstreamError(err, u.ServerName, "ping")
	}
	return nil
}

// Close shuts the connection down. For stdio upstreams this terminates the
// subprocess.
func (u *Upstream) Close() error {
	return u.mcp.Close()
}

// wrapUpstreamError classifies err under the package sentinel errors so
// callers can branch with errors.Is. Type checks first, string patterns for
// errors the SDK reports as plain text.
func wrapUpstreamError(err error, serverName, operation string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s on upstream %s: %v", metamcp.ErrTimeout, operation, serverName, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s on upstream %s: %v", metamcp.ErrCancelled, operation, serverName, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s on upstream %s: %v", metamcp.ErrTimeout, operation, serverName, err)
	}
	if metamcp.IsTimeoutError(err) {
		return fmt.Errorf("%w: %s on upstream %s: %v", metamcp.ErrTimeout, operation, serverName, err)
	}
	if metamcp.IsConnectionError(err) {
		return fmt.Errorf("%w: %s on upstream %s: %v", metamcp.ErrUpstreamUnavailable, operation, serverName, err)
	}
	return fmt.Errorf("%w: %s on upstream %s: %v", metamcp.ErrUpstreamFatal, operation, serverName, err)
}
