package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "rota"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage rota configuration.

Running bare 'rota config' is the same as 'rota config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# rota configuration
# See: rota config show (for effective values and sources)

# State/data directory (default: ~/.config/rota)
# state_dir: {{ .StateDir }}

# SQLite database path, used when session.backend is sqlite
# db_path: {{ .DBPath }}

# Port for 'rota serve'
port: {{ .Port }}

api:
  # Scheduling service REST base
  base_url: "{{ .BaseURL }}"

realtime:
  # STOMP-over-WebSocket endpoint
  url: "{{ .RealtimeURL }}"
  heartbeat: {{ .Heartbeat }}
  # How long to wait for the broker to accept CONNECT
  handshake_timeout: {{ .HandshakeTimeout }}
  # Per-topic event buffer
  buffer: {{ .Buffer }}
  reconnect:
    initial: {{ .ReconnectInitial }}
    max: {{ .ReconnectMax }}
    multiplier: {{ .ReconnectMultiplier }}
    jitter: {{ .ReconnectJitter }}
    # 0 retries forever
    max_attempts: {{ .ReconnectMaxAttempts }}

session:
  # sqlite or redis
  backend: {{ .SessionBackend }}

redis:
  addr: "{{ .RedisAddr }}"
  db: {{ .RedisDB }}
  key: "{{ .RedisKey }}"

reconcile:
  # last-sequence keeps rows touched by events while a snapshot was in
  # flight; last-arrival lets the snapshot overwrite them
  policy: {{ .Policy }}
  # insert or drop an update for a shift that is not held
  shift_update_miss: {{ .UpdateMiss }}

notifications:
  limit: {{ .NotificationLimit }}

log:
  # debug, info, warn, error
  level: {{ .LogLevel }}
  # console or json
  format: {{ .LogFormat }}

anthropic:
  # Leave empty to use $ANTHROPIC_API_KEY
  api_key: ""
  model: "{{ .AnthropicModel }}"
`

type configTemplateData struct {
	StateDir             string
	DBPath               string
	Port                 int
	BaseURL              string
	RealtimeURL          string
	Heartbeat            string
	HandshakeTimeout     string
	Buffer               int
	ReconnectInitial     string
	ReconnectMax         string
	ReconnectMultiplier  float64
	ReconnectJitter      float64
	ReconnectMaxAttempts int
	SessionBackend       string
	RedisAddr            string
	RedisDB              int
	RedisKey             string
	Policy               string
	UpdateMiss           string
	NotificationLimit    int
	LogLevel             string
	LogFormat            string
	AnthropicModel       string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:             viper.GetString("state_dir"),
		DBPath:               viper.GetString("db_path"),
		Port:                 viper.GetInt("port"),
		BaseURL:              viper.GetString("api.base_url"),
		RealtimeURL:          viper.GetString("realtime.url"),
		Heartbeat:            viper.GetDuration("realtime.heartbeat").String(),
		HandshakeTimeout:     viper.GetDuration("realtime.handshake_timeout").String(),
		Buffer:               viper.GetInt("realtime.buffer"),
		ReconnectInitial:     viper.GetDuration("realtime.reconnect.initial").String(),
		ReconnectMax:         viper.GetDuration("realtime.reconnect.max").String(),
		ReconnectMultiplier:  viper.GetFloat64("realtime.reconnect.multiplier"),
		ReconnectJitter:      viper.GetFloat64("realtime.reconnect.jitter"),
		ReconnectMaxAttempts: viper.GetInt("realtime.reconnect.max_attempts"),
		SessionBackend:       viper.GetString("session.backend"),
		RedisAddr:            viper.GetString("redis.addr"),
		RedisDB:              viper.GetInt("redis.db"),
		RedisKey:             viper.GetString("redis.key"),
		Policy:               viper.GetString("reconcile.policy"),
		UpdateMiss:           viper.GetString("reconcile.shift_update_miss"),
		NotificationLimit:    viper.GetInt("notifications.limit"),
		LogLevel:             viper.GetString("log.level"),
		LogFormat:            viper.GetString("log.format"),
		AnthropicModel:       viper.GetString("anthropic.model"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeys are the keys shown by 'config show'. Secrets are left out.
var configKeys = []string{
	"state_dir",
	"db_path",
	"port",
	"api.base_url",
	"realtime.url",
	"realtime.heartbeat",
	"realtime.handshake_timeout",
	"realtime.buffer",
	"realtime.reconnect.initial",
	"realtime.reconnect.max",
	"realtime.reconnect.multiplier",
	"realtime.reconnect.jitter",
	"realtime.reconnect.max_attempts",
	"session.backend",
	"redis.addr",
	"redis.db",
	"redis.key",
	"reconcile.policy",
	"reconcile.shift_update_miss",
	"notifications.limit",
	"chat.history_limit",
	"log.level",
	"log.format",
	"anthropic.model",
}

// envVar derives the environment variable viper consults for key.
func envVar(key string) string {
	return "ROTA_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		source := detectSource(k, envVar(k), fileValues)
		fmt.Fprintf(ui.Out, "  %-32s %v  %s\n", k, viper.Get(k), source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'rota config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
