package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/coachchat/pkg/config"
	"github.com/go-go-golems/coachchat/pkg/logging"
)

var (
	configPath string
	settings   config.Settings
)

var rootCmd = &cobra.Command{
	Use:   "coachchat",
	Short: "coachchat is a terminal client for the AI coaching chat",
	Long: `coachchat connects a learner to the AI coach: it opens a chat channel,
loads earlier conversations and relays replies from the coaching backend.

Settings come from ~/.coachchat/config.yaml, then COACHCHAT_* environment
variables, then command line flags.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		s, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := s.ApplyEnv(os.LookupEnv); err != nil {
			return errors.Wrap(err, "environment")
		}
		applyFlags(cmd, &s)
		if err := s.Normalize(); err != nil {
			return err
		}
		if err := s.Validate(); err != nil {
			return err
		}
		if err := logging.Init(s.Logging); err != nil {
			return err
		}
		settings = s
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "config file (default ~/.coachchat/config.yaml)")
	pf.String("log-level", "", "log level (trace, debug, info, warn, error)")
	pf.String("log-format", "", "log format (console, json)")
	pf.Bool("log-caller", false, "include caller in log lines")
	pf.String("api-url", "", "coaching backend base URL")
	pf.String("transport", "", "channel transport (memory, redis)")
	pf.String("registry", "", "channel registry (memory, sqlite, redis)")
	pf.String("redis-addr", "", "redis address for the redis transport or registry")

	rootCmd.AddCommand(newChatCommand(), newHistoryCommand(), newRegisterCommand())
}

// applyFlags copies explicitly set flags over the loaded settings.
func applyFlags(cmd *cobra.Command, s *config.Settings) {
	flags := cmd.Flags()
	set := func(name string, dst *string) {
		if flags.Changed(name) {
			if v, err := flags.GetString(name); err == nil {
				*dst = v
			}
		}
	}
	set("log-level", &s.Logging.Level)
	set("log-format", &s.Logging.Format)
	set("api-url", &s.APIURL)
	set("transport", &s.Transport)
	set("registry", &s.Registry.Kind)
	set("redis-addr", &s.Redis.Addr)
	if flags.Changed("log-caller") {
		if v, err := flags.GetBool("log-caller"); err == nil {
			s.Logging.WithCaller = v
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
