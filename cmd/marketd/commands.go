package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/onchain-market/market-node/marketClient/bounty"
	"github.com/onchain-market/market-node/marketClient/config"
	"github.com/onchain-market/market-node/marketClient/core"
	"github.com/onchain-market/market-node/marketClient/logger"
	"github.com/onchain-market/market-node/marketClient/submission"
	"github.com/onchain-market/market-node/marketClient/upload"
)

// Set at build time with -ldflags "-X main.Version=... -X main.Commit=...".
var (
	Version = "dev"
	Commit  = ""
)

func InitRootCmd(rootCmd *cobra.Command) {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(createBountyCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(versionCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration to the node home",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := homeDir(cmd)
			cfg, err := config.LoadDefaultConfig()
			if err != nil {
				return err
			}
			cfg.NodeHome = home
			if err := config.Save(cfg, home); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config written to %s\n", home)
			return nil
		},
	}
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the market node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(homeDir(cmd))
			if err != nil {
				return err
			}
			log := logger.Init(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := core.NewMarketClient(ctx, cfg, core.Options{
				QueryServer:  true,
				ReconcileJob: true,
			}, log)
			if err != nil {
				return err
			}
			return client.Run()
		},
	}
}

func createBountyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create-bounty [requirements] [reward-eth]",
		Short: "Post a bounty with the reward escrowed in ether",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reward, err := bounty.ParseEther(args[1])
			if err != nil {
				return err
			}

			client, err := oneShotClient(cmd, nil)
			if err != nil {
				return err
			}
			defer client.Stop()

			hash, err := client.CreateBounty(cmd.Context(), args[0], reward)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bounty created in tx %s\n", hash)
			return nil
		},
	}
	return cmd
}

func submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit [bounty-id] [file]",
		Short: "Submit a deliverable and wait for the oracle verdict",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid bounty id %q", args[0])
			}
			data, err := os.ReadFile(filepath.Clean(args[1]))
			if err != nil {
				return fmt.Errorf("failed to read deliverable: %w", err)
			}

			out := cmd.OutOrStdout()
			client, err := oneShotClient(cmd, func(t submission.Transition) {
				if msg := t.Phase.Message(); msg != "" && !t.Phase.IsTerminal() {
					fmt.Fprintln(out, msg)
				}
			})
			if err != nil {
				return err
			}
			defer client.Stop()

			outcome, err := client.Submit(cmd.Context(), id, upload.File{
				Name: filepath.Base(args[1]),
				Data: data,
			})
			if err != nil {
				if outcome.Phase == submission.PhaseTimedOut {
					fmt.Fprintln(out, outcome.Phase.Message())
				}
				return err
			}
			fmt.Fprintln(out, outcome.Status())
			return nil
		},
	}
	return cmd
}

// oneShotClient starts a client without the query server or the periodic job,
// for commands that run a single ledger operation.
func oneShotClient(cmd *cobra.Command, observer submission.PhaseObserver) (*core.MarketClient, error) {
	cfg, err := config.Load(homeDir(cmd))
	if err != nil {
		return nil, err
	}
	log := logger.Init(cfg)

	client, err := core.NewMarketClient(cmd.Context(), cfg, core.Options{Observer: observer}, log)
	if err != nil {
		return nil, err
	}
	if err := client.Start(); err != nil {
		return nil, err
	}
	return client, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print marketd version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Name:       %s\n", "marketd")
			fmt.Fprintf(cmd.OutOrStdout(), "Version:    %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "Commit:     %s\n", Commit)
		},
	}
}
