package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"bayou/internal/domain"
	"bayou/internal/infra/keys"
)

func newKeygenCmd() *cobra.Command {
	var algorithm string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a key pair and print it as PEM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			alg, err := domain.ParseAlgorithm(algorithm)
			if err != nil {
				return err
			}
			key, err := keys.Generate(alg)
			if err != nil {
				return err
			}
			private, err := key.PEM()
			if err != nil {
				return err
			}
			public, err := key.Public().PEM()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprint(out, private)
			fmt.Fprint(out, public)
			return nil
		},
	}
	cmd.Flags().StringVar(&algorithm, "algorithm", domain.RsaSha256.String(), "key algorithm (rsa-sha256 or hs2019)")
	return cmd
}

func newInstanceActorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "instance-actor",
		Short: "Print the instance actor key, creating it on first use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			actor, err := a.instance.GetOrCreate(cmd.Context(), a.algorithm)
			if err != nil {
				return err
			}
			if _, err := a.instanceSigner(cmd.Context()); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "actor:     %s\n", domain.InstanceActorURI(cfg.InstanceDomain))
			fmt.Fprintf(out, "key id:    %s\n", a.instance.KeyID())
			fmt.Fprintf(out, "algorithm: %s\n", actor.Algorithm)
			fmt.Fprint(out, actor.PublicKeyPEM)
			return nil
		},
	}
}
