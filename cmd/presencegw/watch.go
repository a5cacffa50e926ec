package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/presencegw/presencegw/internal/client"
	"github.com/presencegw/presencegw/internal/config"
	"github.com/presencegw/presencegw/internal/logging"
)

func newWatchCmd() *cobra.Command {
	var (
		configPath string
		identity   string
		token      string
		backend    string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Bind a session to the gateway and print the online set as it changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if backend != "" {
				cfg.Client.BackendURL = backend
			}
			slog.SetDefault(slog.New(logging.NewHandler(os.Stderr, cfg.Logging.Level, "text", nil)))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if identity == "" && token != "" {
				user, err := client.NewAuthClient(cfg.Client.BackendURL).Check(ctx, token)
				if err != nil {
					return err
				}
				identity = user.ID
			}
			if identity == "" {
				return fmt.Errorf("either --identity or --token is required")
			}

			return watch(ctx, cmd.OutOrStdout(), client.OptionsFromConfig(cfg), identity)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().StringVarP(&identity, "identity", "i", "", "User identity to bind")
	cmd.Flags().StringVar(&token, "token", "", "Auth token resolved to an identity via the backend's /api/auth/check")
	cmd.Flags().StringVar(&backend, "backend", "", "Backend URL (overrides client.backend_url)")
	return cmd
}

// watch binds identity and prints every state change until ctx ends.
func watch(ctx context.Context, out io.Writer, opts client.Options, identity string) error {
	b := client.NewBinder(opts)
	if err := b.Bind(ctx, identity); err != nil {
		return err
	}
	defer b.Logout()

	for {
		select {
		case <-ctx.Done():
			return nil
		case st := <-b.Updates():
			if !st.Connected {
				fmt.Fprintln(out, "disconnected")
				continue
			}
			fmt.Fprintf(out, "online (v%d): %s\n", st.Version, strings.Join(st.Online, ", "))
		}
	}
}
