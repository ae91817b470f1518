package main

import (
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/recapd/recapd/internal/config"
)

const defaultAddr = "http://127.0.0.1:8080"

type commandContext struct {
	configFlag string
	addrFlag   string
	apiKeyFlag string
	jsonFlag   bool

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		c.config, c.configErr = config.Load(strings.TrimSpace(c.configFlag))
	})
	return c.config, c.configErr
}

// client resolves the daemon address and key from flags, then RECAPD_ADDR and
// RECAPD_API_KEY, then the local config file.
func (c *commandContext) client() *apiClient {
	addr := firstNonEmpty(c.addrFlag, os.Getenv("RECAPD_ADDR"))
	key := firstNonEmpty(c.apiKeyFlag, os.Getenv("RECAPD_API_KEY"))
	if addr == "" || key == "" {
		if cfg, err := c.ensureConfig(); err == nil {
			if addr == "" {
				addr = listenURL(cfg.Server.ListenAddr)
			}
			if key == "" && len(cfg.Server.APIKeys) > 0 {
				key = cfg.Server.APIKeys[0]
			}
		}
	}
	if addr == "" {
		addr = defaultAddr
	}
	return newAPIClient(addr, key)
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "recapd",
		Short:         "Background enrichment queue for recorded work sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&ctx.configFlag, "config", "c", "", "Configuration file path")
	flags.StringVar(&ctx.addrFlag, "addr", "", "Daemon base URL (default from config or "+defaultAddr+")")
	flags.StringVar(&ctx.apiKeyFlag, "api-key", "", "API key for the daemon")
	flags.BoolVar(&ctx.jsonFlag, "json", false, "Print machine-readable JSON")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newEnqueueCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newJobCommand(ctx))
	rootCmd.AddCommand(newCancelCommand(ctx))
	rootCmd.AddCommand(newMediaReadyCommand(ctx))
	rootCmd.AddCommand(newRetryCommand(ctx))
	rootCmd.AddCommand(newWaitCommand(ctx))

	return rootCmd
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// listenURL turns a listen address into a URL a local client can dial.
func listenURL(listen string) string {
	if strings.HasPrefix(listen, ":") {
		listen = "127.0.0.1" + listen
	}
	return "http://" + listen
}
