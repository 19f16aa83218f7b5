package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wallcrawler/cdp-relay/internal/relay"
)

func newServeCmd() *cobra.Command {
	cfg := relay.DefaultConfig()
	cfg.Version = version

	var replace bool
	var waitPolicy string
	var gracePolicy string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "start the CDP relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.WaitPolicy = parseWaitPolicy(waitPolicy)
			cfg.GracePolicy = parseGracePolicy(gracePolicy)

			if replace {
				if err := killPriorInstance(); err != nil {
					fmt.Fprintf(os.Stderr, "warning: --replace: %v\n", err)
				}
			}
			if err := writePidFile(); err != nil {
				fmt.Fprintf(os.Stderr, "warning: could not write pidfile: %v\n", err)
			}
			defer removePidFile()

			rl := relay.New(cfg)
			if err := rl.Start(); err != nil {
				return err
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return rl.Stop(ctx)
		},
	}

	cmd.Flags().StringVar(&cfg.Host, "host", cfg.Host, "bind address")
	cmd.Flags().IntVar(&cfg.Port, "port", cfg.Port, "bind port")
	cmd.Flags().StringVar(&cfg.Token, "token", cfg.Token, "static auth token required on /cdp and /extension")
	cmd.Flags().StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "HS256 secret for JWT-based auth tokens")
	cmd.Flags().StringVar(&cfg.ExtensionID, "extension-id", cfg.ExtensionID, "pin /cdp connections to this extension id")
	cmd.Flags().StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "optional redis address for the lifecycle event sink")
	cmd.Flags().BoolVar(&replace, "replace", false, "kill a prior running instance (by pidfile) before starting")
	cmd.Flags().StringVar(&waitPolicy, "wait-policy", "reject", "client behavior when extension is idle: reject|queue")
	cmd.Flags().StringVar(&gracePolicy, "grace-policy", "reject", "per-command behavior when extension is idle: reject|wait")

	return cmd
}

func parseWaitPolicy(s string) relay.WaitPolicy {
	if s == "queue" {
		return relay.WaitPolicyQueue
	}
	return relay.WaitPolicyReject
}

func parseGracePolicy(s string) relay.GracePolicy {
	if s == "wait" {
		return relay.GracePolicyWaitThenFail
	}
	return relay.GracePolicyRejectImmediately
}
