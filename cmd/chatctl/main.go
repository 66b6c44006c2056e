package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"alatele/internal/commands"
	"alatele/internal/config"

	"github.com/spf13/cobra"
)

var (
	addrFlag string
	toFlag   string
	rootCmd  = &cobra.Command{
		Use:           "chatctl",
		Short:         "Command line client for a running alatele daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func client() *commands.Client {
	return commands.New(addrFlag)
}

func main() {
	defaultAddr := "localhost:8080"
	if cfg, err := config.Load(true); err == nil {
		defaultAddr = cfg.APIAddr
	}
	rootCmd.PersistentFlags().StringVarP(&addrFlag, "addr", "a", defaultAddr, "Address of the daemon's UI bridge")

	var attachFlags []string
	sendCmd := &cobra.Command{
		Use:   "send TEXT...",
		Short: "Send a message to the public channel or, with --to, to one identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if strings.TrimSpace(text) == "" && len(attachFlags) == 0 {
				return fmt.Errorf("message text or --attach required")
			}
			return client().Send(cmd.Context(), os.Stdout, toFlag, attachFlags, text)
		},
	}
	sendCmd.Flags().StringVarP(&toFlag, "to", "t", "", "Recipient identity (public channel if empty)")
	sendCmd.Flags().StringArrayVarP(&attachFlags, "attach", "f", nil, "File to attach (repeatable)")
	rootCmd.AddCommand(sendCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "conversations",
		Short: "List private conversations, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().Conversations(cmd.Context(), os.Stdout)
		},
	})

	var interval time.Duration
	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Print messages as they arrive until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().Tail(cmd.Context(), os.Stdout, toFlag, interval)
		},
	}
	tailCmd.Flags().StringVarP(&toFlag, "to", "t", "", "Counterparty identity (public channel if empty)")
	tailCmd.Flags().DurationVarP(&interval, "interval", "i", commands.DefaultTailInterval, "Poll interval")
	rootCmd.AddCommand(tailCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().Whoami(cmd.Context(), os.Stdout)
		},
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}
