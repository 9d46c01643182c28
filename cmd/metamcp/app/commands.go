// Package app provides the entry point for the metamcp command-line
// application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/metamcp/metamcp/pkg/logger"
	"github.com/metamcp/metamcp/pkg/metamcp/installer"
	"github.com/metamcp/metamcp/pkg/metamcp/store"
)

var rootCmd = &cobra.Command{
	Use:               "metamcp",
	DisableAutoGenTag: true,
	Short:             "MetaMCP - aggregate MCP servers into namespaced endpoints",
	Long: `MetaMCP is a gateway that aggregates multiple MCP (Model Context Protocol)
servers into namespaces, each served as a single downstream MCP endpoint. It provides:

- Tool aggregation with serverName__toolName namespacing
- Per-namespace tool renames and description overrides
- Smart discovery: semantic find/ask tools in place of large tool lists
- An ask agent that plans and executes tool calls on the caller's behalf
- Connection pooling with one pre-built idle session per namespace`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates a new root command for the metamcp CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newInstallCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MetaMCP gateway",
		Long: `Start the MetaMCP gateway.

Every namespace is served at /metamcp/{name}/mcp (streamable HTTP) and
/metamcp/{name}/sse (SSE). The management API is mounted under /api/v1.`,
		RunE: runServe,
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			logger.Infof("metamcp version: %s", getVersion())
		},
	}
}

// newInstallCmd runs one gated package install from the command line,
// writing the same audit rows the /api/v1/install route does.
func newInstallCmd() *cobra.Command {
	var manager string
	cmd := &cobra.Command{
		Use:   "install <package>",
		Short: "Install a package an upstream server depends on",
		Long: `Install a package an upstream MCP server depends on, using npm, apt,
pip, or uv. Refused unless ` + installer.AllowEnvVar + ` is set to a truthy value.
Every attempt is recorded in the package install history.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := store.Open(cmd.Context(), cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer st.Close()
			inst := installer.New(st, cfg.AllowPackageInstall)
			return inst.Install(cmd.Context(), installer.Manager(manager), args[0], nil)
		},
	}
	cmd.Flags().StringVarP(&manager, "manager", "m", "npm", "Package manager: npm, apt, pip, or uv")
	return cmd
}

// version is set at build time via -ldflags.
var version = "dev"

func getVersion() string {
	return version
}
