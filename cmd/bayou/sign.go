package main

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"bayou/internal/domain"
	"bayou/internal/infra/httpsig"
	"bayou/internal/infra/keys"
	"bayou/internal/infra/versia"
)

type signOptions struct {
	scheme   string
	keyFile  string
	keyID    string
	method   string
	bodyFile string
}

func newSignCmd() *cobra.Command {
	opts := signOptions{}
	cmd := &cobra.Command{
		Use:   "sign <url>",
		Short: "Sign a request and print the resulting headers",
		Long: `Sign a request with a private key and print the headers a remote server
would verify. The legacy scheme uses the key id as keyId; the versia scheme
uses it as the signing identity.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			headers, err := signRequest(opts, args[0])
			if err != nil {
				return err
			}
			names := make([]string, 0, len(headers))
			for name := range headers {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", name, headers.Get(name))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.scheme, "scheme", "legacy", "signature scheme (legacy or versia)")
	cmd.Flags().StringVar(&opts.keyFile, "key-file", "", "PEM encoded private key")
	cmd.Flags().StringVar(&opts.keyID, "key-id", "", "key id (legacy) or signer identity (versia)")
	cmd.Flags().StringVar(&opts.method, "method", http.MethodGet, "request method")
	cmd.Flags().StringVar(&opts.bodyFile, "body-file", "", "request body")
	_ = cmd.MarkFlagRequired("key-file")
	_ = cmd.MarkFlagRequired("key-id")
	return cmd
}

func signRequest(opts signOptions, target string) (http.Header, error) {
	keyPEM, err := os.ReadFile(opts.keyFile)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	key, err := keys.ParsePrivateKeyPEM(string(keyPEM))
	if err != nil {
		return nil, err
	}
	var body []byte
	if opts.bodyFile != "" {
		if body, err = os.ReadFile(opts.bodyFile); err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
	}

	var signer domain.RequestSigner
	switch opts.scheme {
	case "legacy":
		signer = httpsig.NewSigner(opts.keyID, key)
	case "versia":
		signer = &versia.Signer{Identity: opts.keyID, Key: key}
	default:
		return nil, errors.New("scheme must be legacy or versia")
	}

	req, err := http.NewRequest(opts.method, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if err := signer.SignRequest(req, body); err != nil {
		return nil, err
	}
	return req.Header, nil
}
