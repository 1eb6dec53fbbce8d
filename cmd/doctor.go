package cmd

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/telecode/internal/config"
	"github.com/zjrosen/telecode/internal/flags"
	"github.com/zjrosen/telecode/internal/server"
	"github.com/zjrosen/telecode/internal/store"
)

var doctorProbe bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that telecode can run in this environment",
	Long: `Check the local setup: config file, Telegram credentials, opencode
binary discovery and the session store. With --probe it also boots an
OpenCode server against the workspace and waits for it to become ready.

Examples:
  telecode doctor
  telecode doctor --probe
  telecode doctor -c /etc/telecode/config.yaml`,
	SilenceUsage: true,
	RunE:         runDoctor,
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorProbe, "probe", false,
		"boot an OpenCode server and wait for readiness")
	rootCmd.AddCommand(doctorCmd)
}

// doctorCheck is one named probe with a human-readable outcome.
type doctorCheck struct {
	name   string
	detail string
	err    error
}

// botFatherToken matches the "<bot id>:<secret>" shape Telegram tokens have.
var botFatherToken = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]{30,}$`)

func runDoctor(_ *cobra.Command, _ []string) error {
	checks := []doctorCheck{
		checkConfig(),
		checkTelegram(cfg.Telegram),
		checkBinary(cfg.OpenCode),
		checkStore(cfg.Store),
	}
	if doctorProbe {
		checks = append(checks, checkServer(cfg))
	}

	fmt.Println("telecode doctor")
	fmt.Println()

	failed := 0
	for _, c := range checks {
		mark, detail := "✓", c.detail
		if c.err != nil {
			mark, detail = "✗", c.err.Error()
			failed++
		}
		fmt.Printf("  %s %-8s %s\n", mark, c.name, detail)
	}
	fmt.Println()

	if failed > 0 {
		return fmt.Errorf("%d of %d checks failed", failed, len(checks))
	}
	fmt.Println("All checks passed")
	return nil
}

func checkConfig() doctorCheck {
	path := configFilePath()
	if _, err := os.Stat(path); err != nil {
		return doctorCheck{name: "config", detail: fmt.Sprintf("%s (using defaults)", path)}
	}
	return doctorCheck{name: "config", detail: path}
}

// checkTelegram validates the credentials offline. The token is not dialed
// against the Bot API; a wrong-but-well-formed token still passes here.
func checkTelegram(tg config.TelegramConfig) doctorCheck {
	if err := config.ValidateTelegram(tg); err != nil {
		return doctorCheck{name: "telegram", err: err}
	}
	if !botFatherToken.MatchString(tg.Token) {
		return doctorCheck{name: "telegram",
			err: fmt.Errorf("telegram.token does not look like a BotFather token (expected <id>:<secret>)")}
	}

	detail := "token configured, open to all chats"
	if n := len(tg.AllowedChats); n > 0 {
		detail = fmt.Sprintf("token configured, %d chat(s) allowed", n)
	}
	return doctorCheck{name: "telegram", detail: detail}
}

func checkBinary(oc config.OpenCodeConfig) doctorCheck {
	path, err := server.ResolveBinary(oc.Binary)
	if err != nil {
		return doctorCheck{name: "binary", err: err}
	}
	return doctorCheck{name: "binary", detail: path}
}

func checkStore(sc config.StoreConfig) doctorCheck {
	path := sc.Path
	if path == "" {
		path = config.DefaultStorePath()
	}
	st, err := store.NewStore(path)
	if err != nil {
		return doctorCheck{name: "store", err: err}
	}
	_ = st.Close()
	return doctorCheck{name: "store", detail: path}
}

// checkServer boots a real OpenCode server, waits for the health probe and
// tears it down again.
func checkServer(c config.Config) doctorCheck {
	workspace, err := resolveWorkspace(c.Workspace)
	if err != nil {
		return doctorCheck{name: "server", err: err}
	}

	sup := server.New(
		server.WithFlags(flags.New(c.Flags)),
		server.WithBinary(c.OpenCode.Binary),
		server.WithPort(c.OpenCode.Port),
	)
	defer sup.Close()

	started := time.Now()
	inst, err := sup.Start(workspace)
	if err != nil {
		return doctorCheck{name: "server", err: err}
	}
	port := inst.Port()
	sup.Stop()

	return doctorCheck{name: "server",
		detail: fmt.Sprintf("ready on port %d in %s", port, time.Since(started).Round(100*time.Millisecond))}
}
