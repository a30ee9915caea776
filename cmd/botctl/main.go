// Command botctl registers WhatsApp bots against a botdeck backend and manages
// the ones already deployed.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"botdeck/internal/apiclient"
	"botdeck/internal/config"
	"botdeck/internal/logging"
)

type app struct {
	cfg    *config.Config
	log    zerolog.Logger
	api    *apiclient.Client
	authID string
	json   bool
}

func main() {
	a := &app{}
	root := &cobra.Command{
		Use:   "botctl",
		Short: "Deploy and manage WhatsApp bots on a botdeck backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if u, _ := cmd.Flags().GetString("api"); u != "" {
				cfg.APIBaseURL = u
			}
			a.cfg = cfg
			a.log = logging.New(cfg.LogLevel, cfg.LogPretty)
			a.api = apiclient.New(cfg.APIBaseURL, cfg.RequestTimeout, a.log)
			if a.authID == "" {
				a.authID = os.Getenv("BOTDECK_AUTH_ID")
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("api", "", "Backend base URL (overrides API_BASE_URL)")
	root.PersistentFlags().StringVar(&a.authID, "auth-id", "", "Your auth id (default $BOTDECK_AUTH_ID)")
	root.PersistentFlags().BoolVar(&a.json, "json", false, "Output in JSON format")

	root.AddCommand(a.registerCmd(), a.rescanCmd())
	root.AddCommand(a.botsCmd(), a.startCmd(), a.restartCmd(), a.deleteCmd(), a.notificationsCmd())
	root.AddCommand(a.adminCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func (a *app) requireAuth() error {
	if a.authID == "" {
		return fmt.Errorf("--auth-id is required")
	}
	return nil
}
