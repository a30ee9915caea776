package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"botdeck/internal/channel"
	"botdeck/internal/model"
	"botdeck/internal/pairing"
)

func (a *app) registerCmd() *cobra.Command {
	var (
		phoneNumber string
		country     string
		method      string
		pngPath     string
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Link a WhatsApp number as a new bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runPairing(cmd.OutOrStdout(), pngPath, func(ctx context.Context, c *pairing.Controller) error {
				return c.Submit(ctx, phoneNumber, country, model.PairingMethod(method), a.authID)
			})
		},
	}
	cmd.Flags().StringVarP(&phoneNumber, "phone", "p", "", "Phone number, local or +international")
	cmd.Flags().StringVarP(&country, "country", "c", "", "ISO country code for local numbers, e.g. NG")
	cmd.Flags().StringVarP(&method, "method", "m", string(model.MethodQR), "Pairing method: qr or pairingCode")
	cmd.Flags().StringVar(&pngPath, "qr-png", "", "Also write QR codes to this PNG file")
	_ = cmd.MarkFlagRequired("phone")
	return cmd
}

func (a *app) rescanCmd() *cobra.Command {
	var pngPath string
	cmd := &cobra.Command{
		Use:   "rescan <phone-number>",
		Short: "Fetch a fresh QR code for a deployment that is still pairing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runPairing(cmd.OutOrStdout(), pngPath, func(ctx context.Context, c *pairing.Controller) error {
				return c.Rescan(ctx, args[0], a.authID)
			})
		},
	}
	cmd.Flags().StringVar(&pngPath, "qr-png", "botdeck-qr.png", "Where to write the QR image")
	return cmd
}

// runPairing connects the channel, starts an attempt with begin and waits
// until the bot is online, the attempt ends, or the user interrupts.
func (a *app) runPairing(out io.Writer, pngPath string, begin func(context.Context, *pairing.Controller) error) error {
	if err := a.requireAuth(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var ch *channel.Client
	ch, err := channel.Dial(ctx, a.cfg.SocketURL(), channel.ClientOptions{
		Attempts: a.cfg.SocketReconnectAttempts,
		Delay:    a.cfg.SocketReconnectDelay,
		OnReconnect: func() {
			_ = ch.Send(channel.EventAuthID, a.authID)
		},
	}, a.log)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", a.cfg.SocketURL(), err)
	}
	defer ch.Close()
	if err := ch.Send(channel.EventAuthID, a.authID); err != nil {
		return err
	}

	online := make(chan pairing.State, 1)
	ended := make(chan pairing.State, 1)
	ctrl := pairing.New(a.api, ch,
		pairing.WithLogger(a.log),
		pairing.WithRedirectDelay(a.cfg.RedirectDelay),
		pairing.WithHandoff(func(s pairing.State) { online <- s }),
	)
	defer ctrl.Close()

	p := newPrinter(out, pngPath)
	ctrl.Subscribe(p.Render)
	ctrl.Subscribe(func(s pairing.State) {
		switch s.Status() {
		case model.AttemptFailed, model.AttemptCancelled:
			select {
			case ended <- s:
			default:
			}
		}
	})

	if err := begin(ctx, ctrl); err != nil {
		if ctx.Err() != nil {
			ctrl.OnUnload()
		}
		return err
	}

	go readCommands(os.Stdin, ctrl, out)

	select {
	case s := <-online:
		fmt.Fprintf(out, "Bot %s is online. Manage it with: botctl bots\n", s.Attempt.NormalizedPhoneNumber)
		return nil
	case s := <-ended:
		if s.Err != nil {
			return s.Err
		}
		return errors.New(s.Message)
	case <-ctx.Done():
		ctrl.OnUnload()
		return errors.New("registration interrupted")
	}
}

func readCommands(r io.Reader, ctrl *pairing.Controller, out io.Writer) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		switch strings.ToLower(strings.TrimSpace(sc.Text())) {
		case "n", "new":
			if err := ctrl.RequestNewCode(); err != nil {
				fmt.Fprintln(out, err)
			}
		case "c", "cancel":
			ctrl.Cancel()
		}
	}
}
