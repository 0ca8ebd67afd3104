package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"wabridge/internal/config"
	"wabridge/internal/logger"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	log        *slog.Logger
	configPath string // overridable via --config flag
	closeLog   = func() error { return nil }
)

func main() {
	log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:          "wabridge",
		Short:        "wabridge: WhatsApp webhook relay with a durable job queue",
		Long:         "wabridge accepts WhatsApp Cloud API webhooks, queues each message and answers it through a Dialogflow CX agent.",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ~/.wabridge/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(workerCmd())
	root.AddCommand(runCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(configCmd())
	root.AddCommand(queueCmd())

	daemon := &cobra.Command{Use: "daemon", Short: "Manage the background service"}
	daemon.AddCommand(installDaemonCmd())
	daemon.AddCommand(uninstallDaemonCmd())
	root.AddCommand(daemon)

	err := root.Execute()
	closeLog()
	if err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", cfgPath)
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			log.Info("initialized", "config", cfgPath)
			fmt.Println("Fill in the whatsapp, intent and media credentials, or export APP_SECRET, ACCESS_TOKEN, PHONE_ID,")
			fmt.Println("WEBHOOK_VERIFICATION_TOKEN, GEMINI_API_KEY, GCP_SERVICE_ACCOUNT_JSON, CA_PROJECT_ID and CA_AGENT_ID.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return config.ExpandPath(configPath)
	}
	return config.DefaultConfigPath()
}

// loadConfig reads the config file when present. Without one, and without an
// explicit --config, the environment alone configures the process.
func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	if _, err := os.Stat(cfgPath); errors.Is(err, fs.ErrNotExist) && configPath == "" {
		cfg, err := config.LoadFromEnv()
		if err != nil {
			return nil, err
		}
		log.Debug("no config file, using environment", "path", cfgPath)
		return cfg, nil
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// setup loads the config and replaces the bootstrap logger with the configured one.
func setup() (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	l, closeFn, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	log, closeLog = l, closeFn
	return cfg, nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show config location and queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			_, statErr := os.Stat(cfgPath)
			fmt.Printf("Config:  %s (present: %t)\n", cfgPath, statErr == nil)

			cfg, err := setup()
			if err != nil {
				return err
			}
			fmt.Printf("Queue:   %s\n", cfg.Queue.URL)
			fmt.Printf("Listen:  %s:%d\n", cfg.Server.Host, cfg.Server.Port)

			q, err := openQueue(cmd.Context(), cfg)
			if err != nil {
				fmt.Printf("Status:  queue unreachable: %v\n", err)
				return nil
			}
			defer q.Close()

			st, err := q.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Jobs:    %d pending, %d running, %d done, %d dead (%s)\n",
				st.Pending, st.Running, st.Done, st.Dead, st.Backend)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. queue.maxTries)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. worker.concurrency 20)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if err := setConfigValue(cfgPath, args[0], args[1]); err != nil {
				return err
			}
			log.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

// setConfigValue edits one value in the file at cfgPath. Only what the file
// already holds is written back: environment overrides and ${VAR}
// placeholders are resolved for validation but never persisted.
func setConfigValue(cfgPath, path, value string) error {
	raw, err := config.LoadRaw(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.SetByPath(raw, path, value); err != nil {
		return fmt.Errorf("set value: %w", err)
	}
	if _, err := config.Resolve(raw); err != nil {
		return err
	}
	if err := config.Save(cfgPath, raw); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}
