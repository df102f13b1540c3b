package cmd

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/atelierhq/atelier/internal/cmd/config"
	appconfig "github.com/atelierhq/atelier/internal/config"
)

// Version is set at build time with -ldflags "-X .../internal/cmd.Version=...".
var Version = "dev"

// NewRootCmd builds the full command tree. Each call returns an
// independent tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "atelier",
		Short: "Command-line client for a collaborative asset-generation service",
		Long: `Atelier talks to a collaborative asset-generation service over a
single websocket connection. It chats with the service's assistant, starts
generate and refine jobs, executes multi-step plans one step at a time, and
resolves the approvals the assistant asks for.

Conversation state (transcript, active plan, open approvals and created
artifacts) is kept per space in the state directory.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			initConfig()
			return nil
		},
	}

	// Global flags
	flags := root.PersistentFlags()
	flags.StringP("config", "c", "", "config file (default is $HOME/.config/atelier/config.yaml)")
	flags.StringP("space", "s", "", "space ID (overrides space.id)")
	flags.String("server", "", "service URL (overrides server.url)")
	_ = viper.BindPFlag("config", flags.Lookup("config"))
	_ = viper.BindPFlag("space.id", flags.Lookup("space"))
	_ = viper.BindPFlag("server.url", flags.Lookup("server"))

	root.AddCommand(
		newChatCmd(),
		newGenerateCmd(),
		newRefineCmd(),
		newDescribeCmd(),
		newCompareCmd(),
		newPlanCmd(),
		newApprovalsCmd(),
		newSpacesCmd(),
		newVersionCmd(),
	)
	config.Register(root)

	return root
}

// Execute runs the root command
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	appconfig.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(appconfig.ConfigDir())
		viper.AddConfigPath("$HOME/.config/atelier")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("ATELIER")
	// Replace dots with underscores for nested keys in env vars
	// e.g., ATELIER_SERVER_URL for server.url
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
