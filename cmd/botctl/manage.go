package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"botdeck/internal/model"
)

func (a *app) print(w io.Writer, v any, table func(*tabwriter.Writer)) error {
	if a.json {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	table(tw)
	return tw.Flush()
}

func botTable(bots []model.Bot) func(*tabwriter.Writer) {
	return func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "PHONE\tMETHOD\tSTATUS\tUPDATED\tLAST ERROR")
		for _, b := range bots {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", b.PhoneNumber, b.PairingMethod, b.Status,
				b.UpdatedAt.Local().Format(time.DateTime), b.LastError)
		}
	}
}

func (a *app) botsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bots",
		Short: "List your deployed bots",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireAuth(); err != nil {
				return err
			}
			bots, err := a.api.BotInfo(cmd.Context(), a.authID)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), bots, botTable(bots))
		},
	}
}

func (a *app) restartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart-bot <phone-number>",
		Short: "Reconnect a paired bot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireAuth(); err != nil {
				return err
			}
			if err := a.api.RestartBot(cmd.Context(), args[0], a.authID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restarted %s\n", args[0])
			return nil
		},
	}
}

func (a *app) startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start-bot <phone-number>",
		Short: "Start a stopped bot from its paired device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireAuth(); err != nil {
				return err
			}
			if err := a.api.LoadSession(cmd.Context(), args[0], a.authID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Started %s\n", args[0])
			return nil
		},
	}
}

func (a *app) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-bot <phone-number>",
		Short: "Log a bot out of WhatsApp and remove it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireAuth(); err != nil {
				return err
			}
			if err := a.api.DeleteBot(cmd.Context(), args[0], a.authID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}
}

func (a *app) notificationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "notifications",
		Aliases: []string{"notif"},
		Short:   "List your notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireAuth(); err != nil {
				return err
			}
			list, err := a.api.Notifications(cmd.Context(), a.authID)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), list, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "ID\tWHEN\tREAD\tMESSAGE")
				for _, n := range list {
					fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", n.ID, n.CreatedAt.Local().Format(time.DateTime), n.Read, n.Message)
				}
			})
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "mark-read <id>",
		Short: "Mark a notification as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.api.MarkNotificationRead(cmd.Context(), args[0])
		},
	})
	return cmd
}

func (a *app) adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Operator commands",
	}

	var ttl time.Duration
	gen := &cobra.Command{
		Use:   "generate-token <auth-id>",
		Short: "Issue or renew the token of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := a.api.GenerateToken(cmd.Context(), args[0], ttl)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), tok, func(tw *tabwriter.Writer) {
				fmt.Fprintf(tw, "AUTH ID\t%s\nEXPIRES\t%s\n", tok.AuthID, tok.ExpiresAt.Local().Format(time.DateTime))
			})
		},
	}
	gen.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default: server TOKEN_TTL)")

	status := &cobra.Command{
		Use:   "bots-status",
		Short: "List every bot on the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			bots, err := a.api.BotsStatus(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), bots, botTable(bots))
		},
	}

	stop := &cobra.Command{
		Use:   "stop-bot <phone-number>",
		Short: "Disconnect a bot without deleting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.RequestTimeout)
			defer cancel()
			if err := a.api.StopBot(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stopped %s\n", args[0])
			return nil
		},
	}

	start := &cobra.Command{
		Use:   "start-bot <phone-number>",
		Short: "Connect any registered bot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.api.AdminStartBot(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Started %s\n", args[0])
			return nil
		},
	}

	restart := &cobra.Command{
		Use:   "restart-bot <phone-number>",
		Short: "Reconnect any registered bot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.api.AdminRestartBot(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restarted %s\n", args[0])
			return nil
		},
	}

	var user string
	notify := &cobra.Command{
		Use:   "notify <message>",
		Short: "Send a notification to every user, or to one with --user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if user != "" {
				if err := a.api.SendUserNotification(cmd.Context(), user, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Notified %s\n", user)
				return nil
			}
			res, err := a.api.SendNotification(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), res, func(tw *tabwriter.Writer) {
				fmt.Fprintf(tw, "USERS\t%d\nDELIVERED\t%d\n", res.Users, res.Delivered)
			})
		},
	}
	notify.Flags().StringVar(&user, "user", "", "Auth ID of a single recipient")

	cmd.AddCommand(gen, status, stop, start, restart, notify)
	return cmd
}
