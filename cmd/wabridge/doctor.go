package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"wabridge/internal/config"
	"wabridge/internal/intent"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your wabridge setup",
		Long: `Verifies that the configuration, queue, listen port and service credentials
are usable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("wabridge doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var r report

			// 1. Config file
			if _, err := os.Stat(cfgPath); err != nil {
				r.warn("Config file", fmt.Sprintf("not found at %s, using environment", cfgPath))
			} else {
				r.pass("Config file", cfgPath)
			}

			// 2. Config loads and validates
			cfg, err := loadConfig()
			if err != nil {
				r.fail("Config validation", err.Error())
				return r.summary()
			}
			r.pass("Config validation", "valid")

			// 3. Role requirements
			if err := cfg.RequireReceiver(); err != nil {
				r.fail("Receiver settings", err.Error())
			} else {
				r.pass("Receiver settings", "complete")
			}
			if err := cfg.RequireWorker(); err != nil {
				r.fail("Worker settings", err.Error())
			} else {
				r.pass("Worker settings", "complete")
			}

			// 4. Service account
			if cfg.Intent.Credentials != "" {
				if detail, err := checkCredentials(cfg); err != nil {
					r.fail("Service account", err.Error())
				} else {
					r.pass("Service account", detail)
				}
			}

			// 5. Queue reachable
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if detail, err := checkQueue(ctx, cfg); err != nil {
				r.fail("Queue", err.Error())
			} else {
				r.pass("Queue", detail)
			}

			// 6. Listen port
			if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
				r.warn("Listen port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
			} else {
				r.pass("Listen port", fmt.Sprintf(":%d available", cfg.Server.Port))
			}

			// 7. Log file writable
			if cfg.Logging.File != "" {
				if err := checkWritable(cfg.Logging.File); err != nil {
					r.warn("Log file", err.Error())
				} else {
					r.pass("Log file", cfg.Logging.File)
				}
			}

			return r.summary()
		},
	}
}

type report struct {
	passed, warned, failed int
}

func (r *report) pass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
	r.passed++
}

func (r *report) warn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
	r.warned++
}

func (r *report) fail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
	r.failed++
}

func (r *report) summary() error {
	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		fmt.Printf("\nPlease fix the failed checks before running wabridge.\n")
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	if r.warned > 0 {
		fmt.Printf("\nwabridge should work but consider fixing the warnings.\n")
	} else {
		fmt.Printf("\nAll checks passed! wabridge is ready to run.\n")
	}
	return nil
}

func checkCredentials(cfg *config.Config) (string, error) {
	raw, err := intent.ReadCredentials(cfg.Intent.Credentials)
	if err != nil {
		return "", err
	}
	creds, err := intent.ParseCredentials(raw)
	if err != nil {
		return "", err
	}
	return creds.Email, nil
}

func checkQueue(ctx context.Context, cfg *config.Config) (string, error) {
	q, err := openQueue(ctx, cfg)
	if err != nil {
		return "", err
	}
	defer q.Close()

	st, err := q.Stats(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s, %d pending, %d dead", st.Backend, st.Pending, st.Dead), nil
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func checkWritable(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	return f.Close()
}
