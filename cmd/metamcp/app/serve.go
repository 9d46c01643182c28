package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/metamcp/metamcp/pkg/logger"
	"github.com/metamcp/metamcp/pkg/metamcp"
	"github.com/metamcp/metamcp/pkg/metamcp/agent"
	"github.com/metamcp/metamcp/pkg/metamcp/aggregator"
	mcpclient "github.com/metamcp/metamcp/pkg/metamcp/client"
	"github.com/metamcp/metamcp/pkg/metamcp/config"
	"github.com/metamcp/metamcp/pkg/metamcp/controlplane"
	"github.com/metamcp/metamcp/pkg/metamcp/discovery"
	"github.com/metamcp/metamcp/pkg/metamcp/embeddings"
	"github.com/metamcp/metamcp/pkg/metamcp/installer"
	"github.com/metamcp/metamcp/pkg/metamcp/llm"
	"github.com/metamcp/metamcp/pkg/metamcp/overrides"
	"github.com/metamcp/metamcp/pkg/metamcp/pool"
	"github.com/metamcp/metamcp/pkg/metamcp/server"
	"github.com/metamcp/metamcp/pkg/metamcp/sessions"
	"github.com/metamcp/metamcp/pkg/metamcp/smart"
	"github.com/metamcp/metamcp/pkg/metamcp/store"
	"github.com/metamcp/metamcp/pkg/metamcp/tokens"
)

// fakeEmbeddingDim is the vector size of the fallback fake provider.
const fakeEmbeddingDim = 256

func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetString("config"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	var provider embeddings.Provider
	if cfg.EmbeddingBaseURL != "" {
		provider, err = embeddings.NewOpenAIProvider(
			cfg.EmbeddingBaseURL, cfg.LLMAPIKey, cfg.EmbeddingModel, cfg.EmbeddingTimeout)
		if err != nil {
			return fmt.Errorf("creating embedding provider: %w", err)
		}
	} else {
		logger.Warnf("No embedding endpoint configured; smart discovery uses the deterministic fake provider")
		provider = embeddings.NewFakeProvider(fakeEmbeddingDim)
	}
	defer provider.Close()

	index := discovery.NewIndex(provider)
	counter := tokens.NewCounter()

	smartSvc := smart.NewService(st, index, nil)
	registry := sessions.NewRegistry()
	registry.OnRemove(func(session metamcp.LiveSession) {
		smartSvc.RemoveSession(session.SessionID)
	})

	var llmClient llm.Client
	if cfg.LLMAPIKey != "" {
		client, err := llm.NewOpenAIClient(cfg.LLMAPIKey, cfg.LLMBaseURL)
		if err != nil {
			return fmt.Errorf("creating LLM client: %w", err)
		}
		llmClient = client
	} else {
		logger.Warnf("No LLM API key configured; the ask agent is disabled")
	}

	serverPool := pool.NewServerPool(pool.DefaultConnector, mcpclient.Options{InheritEnv: cfg.InheritEnv})
	nsPool := pool.NewNamespacePool(st, serverPool)
	ov := overrides.NewCache(st)
	agg := aggregator.New(st, nsPool, ov, smartSvc)

	// The orchestrator exposes tools through the smart service, and the
	// smart service routes ask calls to the orchestrator.
	orchestrator := agent.NewOrchestrator(st, index, llmClient, counter, smartSvc)
	smartSvc.SetAskAgent(orchestrator)

	cp := controlplane.NewService(st, nsPool, ov, smartSvc, index, counter, agg)

	srv := server.New(server.Config{
		Name:    "metamcp",
		Version: getVersion(),
		Host:    cfg.Host,
		Port:    cfg.Port,
	}, agg, st, registry, nsPool)
	cp.SetResyncer(srv)
	srv.AttachAdmin(server.NewAdminAPI(cp, installer.New(st, cfg.AllowPackageInstall)))

	prewarm(ctx, st, nsPool)

	logger.Infof("Starting MetaMCP gateway on %s:%d", cfg.Host, cfg.Port)
	return srv.Start(ctx)
}

// prewarm kicks off idle-session builds for every namespace so the first
// downstream attach finds a warm session.
func prewarm(ctx context.Context, st store.Store, nsPool *pool.NamespacePool) {
	namespaces, err := st.ListNamespaces(ctx)
	if err != nil {
		logger.Warnf("Listing namespaces for prewarm failed: %v", err)
		return
	}
	for _, ns := range namespaces {
		nsPool.EnsureIdleBackground(ctx, ns.UUID)
	}
}
