package client

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metamcp/metamcp/pkg/metamcp"
)

func TestNewClientRejectsBadConfig(t *testing.T) {
	_, err := newClient(&metamcp.McpServer{
		Name:      "broken",
		Transport: metamcp.TransportStdio,
	}, Options{})
	assert.ErrorIs(t, err, metamcp.ErrValidation)

	_, err = newClient(&metamcp.McpServer{
		Name:      "weird",
		Transport: metamcp.TransportType("grpc"),
	}, Options{})
	assert.ErrorIs(t, err, metamcp.ErrUnsupportedTransport)
}

func TestBuildEnv(t *testing.T) {
	server := &metamcp.McpServer{Env: map[string]string{"API_KEY": "secret"}}

	env := buildEnv(server, Options{})
	assert.Equal(t, []string{"API_KEY=secret"}, env)

	t.Setenv("METAMCP_TEST_MARKER", "1")
	env = buildEnv(server, Options{InheritEnv: true})
	assert.Contains(t, env, "METAMCP_TEST_MARKER=1")
	assert.Contains(t, env, "API_KEY=secret")
}

func TestBuildHeadersAddsBearerToken(t *testing.T) {
	server := &metamcp.McpServer{
		BearerToken: "tok",
		Headers:     map[string]string{"X-Tenant": "acme"},
	}
	headers := buildHeaders(server)
	assert.Equal(t, "Bearer tok", headers["Authorization"])
	assert.Equal(t, "acme", headers["X-Tenant"])
}

func TestWrapUpstreamErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"deadline", context.DeadlineExceeded, metamcp.ErrTimeout},
		{"cancelled", context.Canceled, metamcp.ErrCancelled},
		{"refused", errors.New("dial tcp 127.0.0.1:9999: connection refused"), metamcp.ErrUpstreamUnavailable},
		{"timeout text", errors.New("request timeout exceeded"), metamcp.ErrTimeout},
		{"other", errors.New("tool exploded"), metamcp.ErrUpstreamFatal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := wrapUpstreamError(tc.err, "alpha", "call tool")
			require.Error(t, wrapped)
			assert.ErrorIs(t, wrapped, tc.want)
			assert.Contains(t, wrapped.Error(), "alpha")
		})
	}

	assert.NoError(t, wrapUpstreamError(nil, "alpha", "noop"))
}
