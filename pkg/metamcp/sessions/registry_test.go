package sessions

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metamcp/metamcp/pkg/metamcp"
)

func TestAddAndGet(t *testing.T) {
	r := NewRegistry()
	ns := uuid.New()

	r.Add("s1", "dev", ns, metamcp.DownstreamSSE)

	session, ok := r.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "dev", session.EndpointName)
	assert.Equal(t, ns, session.NamespaceUUID)
	assert.Equal(t, metamcp.DownstreamSSE, session.Transport)
}

func TestAddIsIdempotent(t *testing.T) {
	r := NewRegistry()
	ns := uuid.New()

	r.Add("s1", "dev", ns, metamcp.DownstreamSSE)
	// Duplicate add must not change the stored transport or counts.
	r.Add("s1", "dev", ns, metamcp.DownstreamStreamableHTTP)

	session, ok := r.Get("s1")
	require.True(t, ok)
	assert.Equal(t, metamcp.DownstreamSSE, session.Transport)
	assert.Equal(t, 1, r.Stats().Total)
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := NewRegistry()
	r.Add("s1", "dev", uuid.New(), metamcp.DownstreamSSE)

	r.Remove("s1")
	r.Remove("s1")
	r.Remove("never-existed")

	assert.Equal(t, 0, r.Stats().Total)
	_, ok := r.Get("s1")
	assert.False(t, ok)
}

func TestRemoveFiresCallback(t *testing.T) {
	r := NewRegistry()
	var removed []string
	r.OnRemove(func(s metamcp.LiveSession) {
		removed = append(removed, s.SessionID)
	})

	r.Add("s1", "dev", uuid.New(), metamcp.DownstreamSSE)
	r.Remove("s1")
	r.Remove("s1") // second remove must not fire again

	assert.Equal(t, []string{"s1"}, removed)
}

func TestStatsCountersAreConsistent(t *testing.T) {
	r := NewRegistry()
	ns := uuid.New()

	for i := 0; i < 5; i++ {
		r.Add(fmt.Sprintf("sse-%d", i), "alpha", ns, metamcp.DownstreamSSE)
	}
	for i := 0; i < 3; i++ {
		r.Add(fmt.Sprintf("http-%d", i), "beta", ns, metamcp.DownstreamStreamableHTTP)
	}

	stats := r.Stats()
	assert.Equal(t, 8, stats.Total)
	assert.Equal(t, 5, stats.ByTransport.SSE)
	assert.Equal(t, 3, stats.ByTransport.StreamableHTTP)

	// total == sum(byTransport) == sum(byEndpoint.count)
	assert.Equal(t, stats.Total, stats.ByTransport.SSE+stats.ByTransport.StreamableHTTP)
	var endpointSum int
	for _, es := range stats.ByEndpoint {
		endpointSum += es.Count
	}
	assert.Equal(t, stats.Total, endpointSum)

	// Sorted by count descending.
	require.Len(t, stats.ByEndpoint, 2)
	assert.Equal(t, "alpha", stats.ByEndpoint[0].Endpoint)
	assert.Equal(t, 5, stats.ByEndpoint[0].Count)
	assert.Equal(t, "beta", stats.ByEndpoint[1].Endpoint)
}

func TestEmptyEndpointIsDropped(t *testing.T) {
	r := NewRegistry()
	ns := uuid.New()

	r.Add("s1", "alpha", ns, metamcp.DownstreamSSE)
	r.Add("s2", "beta", ns, metamcp.DownstreamSSE)
	r.Remove("s1")

	stats := r.Stats()
	require.Len(t, stats.ByEndpoint, 1)
	assert.Equal(t, "beta", stats.ByEndpoint[0].Endpoint)
}
