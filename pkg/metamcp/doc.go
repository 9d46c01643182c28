// Package metamcp contains the shared domain types and errors for the
// MetaMCP gateway.
//
// MetaMCP aggregates many upstream Model Context Protocol (MCP) servers
// into logical namespaces and republishes each namespace as a single MCP
// endpoint. Tools exposed through a namespace carry full names of the form
// "serverName__toolName", which the aggregator splits to route calls back
// to the owning upstream.
//
// Subpackages implement the runtime:
//
//   - sessions: live downstream session registry
//   - tokens: cached per-model token counter
//   - embeddings, discovery: embedding port and per-namespace vector index
//   - middleware, overrides, smart: the list/call pipeline
//   - agent: the ask-agent plan/execute/report orchestrator
//   - client, pool: upstream MCP clients and their idle/active pools
//   - aggregator: namespace composition, dispatch and tool refresh
//   - store: persistence port and SQLite implementation
//   - server: downstream SSE and streamable-HTTP endpoints
//   - controlplane: mutations consumed by the core plus their invalidations
package metamcp
