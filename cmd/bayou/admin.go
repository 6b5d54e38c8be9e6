package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"bayou/internal/config"
)

var errMemoryStore = errors.New("POSTGRES_DSN is not set; admin commands need the database")

// requireDatabase refuses commands whose writes would be lost with an
// in-memory store.
func requireDatabase(cfg config.Config) error {
	if cfg.PostgresDSN == "" {
		return errMemoryStore
	}
	return nil
}

func loadAdminApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := requireDatabase(cfg); err != nil {
		return nil, err
	}
	return newApp(cmd.Context(), cfg)
}

func newUseraddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "useradd <username>",
		Short: "Create a local actor with a fresh key pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadAdminApp(cmd)
			if err != nil {
				return err
			}
			actor, err := a.locals.Create(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s\n", actor.URI, actor.Key.ID)
			return nil
		},
	}
}

func newBlockDomainCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "block-domain <host>",
		Short: "Refuse federation with a domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadAdminApp(cmd)
			if err != nil {
				return err
			}
			if err := a.admin.Block(cmd.Context(), args[0], reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "blocked %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the block")
	return cmd
}

func newAllowDomainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "allow-domain <host>",
		Short: "Exempt a domain from the denied suffix list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadAdminApp(cmd)
			if err != nil {
				return err
			}
			if err := a.admin.Allowlist(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "allowlisted %s\n", args[0])
			return nil
		},
	}
}

func newPublishCmd() *cobra.Command {
	var activityFile string
	cmd := &cobra.Command{
		Use:   "publish <username>",
		Short: "Deliver an activity to every follower of a local actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := os.ReadFile(activityFile)
			if err != nil {
				return err
			}
			if !json.Valid(body) {
				return fmt.Errorf("%s is not a JSON document", activityFile)
			}
			a, err := loadAdminApp(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			actor, err := a.locals.Get(ctx, args[0])
			if err != nil {
				return err
			}
			signer, err := a.locals.Signer(actor)
			if err != nil {
				return err
			}
			results, err := a.delivery.NotifyFollowers(ctx, actor.URI, body, signer)
			if err != nil {
				return err
			}
			failed := 0
			for _, result := range results {
				status := "ok"
				if result.Err != nil {
					status = result.Err.Error()
					failed++
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", result.Inbox, status)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d deliveries failed", failed, len(results))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&activityFile, "activity-file", "", "JSON activity to deliver")
	_ = cmd.MarkFlagRequired("activity-file")
	return cmd
}
