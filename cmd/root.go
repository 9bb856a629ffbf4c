package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/rota/internal/apiclient"
	"github.com/joescharf/rota/internal/llm"
	"github.com/joescharf/rota/internal/output"
	"github.com/joescharf/rota/internal/reconcile"
	"github.com/joescharf/rota/internal/transport"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui *output.UI

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "rota",
	Short: "Hospital shift scheduling client",
	Long: `rota talks to the hospital scheduling service. It logs in, keeps a
live view of shifts, agent tasks and the agent chat in sync over the realtime
channel, and exposes that view to the terminal, a local dashboard and MCP.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	err := rootCmd.Execute()
	closeDeps()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return rootRun(cmd)
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/rota/config.yaml)")
	rootCmd.PersistentFlags().String("api", "", "API base URL (overrides api.base_url)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	_ = viper.BindPFlag("api.base_url", rootCmd.PersistentFlags().Lookup("api"))
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	// A .env in the working directory fills in secrets such as the
	// Anthropic key; real environment variables win.
	_ = godotenv.Load()

	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		dir, err := configDirFunc()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(dir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("ROTA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	dir, _ := configDirFunc()
	setDefaults(dir)

	_ = viper.ReadInConfig()
}

// setDefaults registers every config key with its default, rooted at dir.
func setDefaults(dir string) {
	viper.SetDefault("state_dir", dir)
	viper.SetDefault("db_path", filepath.Join(dir, "rota.db"))
	viper.SetDefault("port", 8080)

	viper.SetDefault("api.base_url", apiclient.DefaultBaseURL)

	viper.SetDefault("realtime.url", "ws://localhost:9090/ws/websocket")
	viper.SetDefault("realtime.heartbeat", "4s")
	viper.SetDefault("realtime.handshake_timeout", "10s")
	viper.SetDefault("realtime.buffer", transport.DefaultBuffer)
	viper.SetDefault("realtime.reconnect.initial", transport.DefaultBackoff.Initial.String())
	viper.SetDefault("realtime.reconnect.max", transport.DefaultBackoff.Max.String())
	viper.SetDefault("realtime.reconnect.multiplier", transport.DefaultBackoff.Multiplier)
	viper.SetDefault("realtime.reconnect.jitter", transport.DefaultBackoff.Jitter)
	viper.SetDefault("realtime.reconnect.max_attempts", transport.DefaultBackoff.MaxAttempts)

	viper.SetDefault("session.backend", "sqlite")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.key", "rota:session")

	viper.SetDefault("reconcile.policy", string(reconcile.PolicyLastSequence))
	viper.SetDefault("reconcile.shift_update_miss", string(reconcile.UpdateMissInsert))
	viper.SetDefault("notifications.limit", reconcile.DefaultNotificationLimit)
	viper.SetDefault("chat.history_limit", apiclient.DefaultChatLimit)

	viper.SetDefault("log.level", "warn")
	viper.SetDefault("log.format", "console")

	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", llm.DefaultModel)
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	// Stores and the coordinator are built lazily, only when a command
	// needs them, so config and version run without a database.
}

// rootRun handles `rota` with no subcommand: show who is logged in, or help.
func rootRun(cmd *cobra.Command) error {
	c, err := getCoordinator()
	if err != nil || c.Session() == nil {
		return cmd.Help()
	}
	return whoamiRun()
}
