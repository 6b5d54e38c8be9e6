package main

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"bayou/internal/usecase"
)

const acceptActivity = `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`

func newFetchCmd() *cobra.Command {
	var resolve bool
	cmd := &cobra.Command{
		Use:   "fetch <uri>",
		Short: "Fetch a remote document signed as the instance actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			signer, err := a.instanceSigner(ctx)
			if err != nil {
				return err
			}

			var payload []byte
			if resolve {
				actor, err := a.resolver.Resolve(ctx, usecase.IdentityRef{ActorURI: args[0]}, signer)
				if err != nil {
					return err
				}
				payload, err = json.Marshal(actor)
				if err != nil {
					return err
				}
			} else {
				payload, err = a.client.Fetch(ctx, args[0], acceptActivity, signer)
				if err != nil {
					return err
				}
			}
			var pretty bytes.Buffer
			if json.Indent(&pretty, payload, "", "  ") != nil {
				pretty.Reset()
				pretty.Write(payload)
			}
			fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
			return nil
		},
	}
	cmd.Flags().BoolVar(&resolve, "resolve", false, "resolve the URI as an actor and print the stored identity")
	return cmd
}
