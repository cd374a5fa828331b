// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aiku/matrix-gateway/pkg/connector"
	"github.com/aiku/matrix-gateway/pkg/pairing"
)

var (
	version    = "0.1.0"
	configPath string
)

func main() {
	root := &cobra.Command{
		Use:     "matrix-gateway",
		Short:   "Matrix gateway: per-account sync sessions with a message-routing backend",
		Version: version,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config file")

	root.AddCommand(runCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(pairingsCmd())
	root.AddCommand(exampleConfigCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start sessions for all enabled accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := connector.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if cfg.Backend.URL == "" {
				return errors.New("backend.url is required")
			}
			log, err := cfg.Logging.Compile()
			if err != nil {
				return fmt.Errorf("failed to configure logging: %w", err)
			}

			states, err := connector.NewStateStore(cfg.StateDir, *log)
			if err != nil {
				return err
			}
			pairStore, err := pairing.NewStore(cfg.PairingDB, *log)
			if err != nil {
				return err
			}
			defer pairStore.Close()

			gw := connector.NewGateway(configPath, cfg, states, pairStore, *log)
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			log.Info().Str("version", version).Msg("Starting matrix-gateway")
			return gw.Run(ctx)
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Parse and validate the config file without starting anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := connector.LoadConfig(configPath)
			if err != nil {
				return err
			}
			accounts, err := cfg.ResolveAccounts()
			if err != nil {
				return err
			}
			enabled := 0
			for _, acct := range accounts {
				if acct.Enabled {
					enabled++
				}
			}
			fmt.Printf("%s: OK (%d accounts, %d enabled)\n", configPath, len(accounts), enabled)
			return nil
		},
	}
}

func pairingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairings",
		Short: "Inspect and approve pairing requests",
	}
	cmd.AddCommand(pairingsListCmd())
	cmd.AddCommand(pairingsApproveCmd())
	return cmd
}

func openPairingStore() (*pairing.Store, error) {
	cfg, err := connector.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return pairing.NewStore(cfg.PairingDB, zerolog.Nop())
}

func pairingsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending pairing requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openPairingStore()
			if err != nil {
				return err
			}
			defer store.Close()

			requests, err := store.Pending(cmd.Context())
			if err != nil {
				return err
			}
			if len(requests) == 0 {
				fmt.Println("No pending pairing requests.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CHANNEL\tSENDER\tCODE\tAGE")
			for _, req := range requests {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					req.Channel, req.SenderID, req.Code,
					time.Since(req.CreatedAt).Round(time.Second))
			}
			return w.Flush()
		},
	}
}

func pairingsApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <code>",
		Short: "Approve the sender behind a pairing code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openPairingStore()
			if err != nil {
				return err
			}
			defer store.Close()

			req, err := store.Approve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Approved %s on %s\n", req.SenderID, req.Channel)
			return nil
		},
	}
}

func exampleConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "example-config",
		Short: "Print an example config file",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print(connector.ExampleConfig)
		},
	}
}
