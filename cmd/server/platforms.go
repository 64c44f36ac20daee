package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/quipper/poc/lti/grader/pkg/common/config"
	"github.com/quipper/poc/lti/grader/pkg/repositories/platform"
)

func newPlatformsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "platforms",
		Short: "Manage Platform registrations",
	}
	cmd.AddCommand(newPlatformsAddCmd(configPath), newPlatformsListCmd(configPath))
	return cmd
}

func newPlatformsAddCmd(configPath *string) *cobra.Command {
	var (
		p             config.PlatformConfig
		jwksURL       string
		publicKeyFile string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register or update a Platform (keyed by issuer and client id)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (jwksURL == "") == (publicKeyFile == "") {
				return errors.New("exactly one of --jwks-url or --public-key-file is required")
			}
			if jwksURL != "" {
				p.KeyMethod, p.Key = platform.KeyMethodJWKSet, jwksURL
			} else {
				b, err := os.ReadFile(publicKeyFile)
				if err != nil {
					return fmt.Errorf("read public key: %w", err)
				}
				p.KeyMethod, p.Key = platform.KeyMethodRSAKey, string(b)
			}

			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			repo, err := openRegistry(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer repo.Disconnect()

			reg := toRegistration(p)
			id, err := repo.Upsert(cmd.Context(), reg)
			if err != nil {
				return fmt.Errorf("register platform: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered platform id=%d issuer=%s client_id=%s\n", id, reg.Issuer, reg.ClientID)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&p.Name, "name", "", "display name")
	f.StringVar(&p.Issuer, "issuer", "", "Platform issuer (iss)")
	f.StringVar(&p.ClientID, "client-id", "", "client id assigned to this tool")
	f.StringVar(&p.DeploymentID, "deployment-id", "", "deployment id (optional)")
	f.StringVar(&p.AuthEndpoint, "auth-endpoint", "", "OIDC authorization endpoint")
	f.StringVar(&p.TokenEndpoint, "token-endpoint", "", "OAuth2 token endpoint for AGS")
	f.StringVar(&p.TokenAudience, "token-audience", "", "aud for client assertions (defaults to the token endpoint)")
	f.StringVar(&p.RedirectURI, "redirect-uri", "", "launch redirect URI registered at the Platform")
	f.StringVar(&jwksURL, "jwks-url", "", "Platform JWKS URL")
	f.StringVar(&publicKeyFile, "public-key-file", "", "PEM file with the Platform RSA public key")
	for _, name := range []string{"issuer", "client-id", "auth-endpoint"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func newPlatformsListCmd(configPath *string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List Platform registrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			repo, err := openRegistry(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer repo.Disconnect()

			regs, err := repo.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list platforms: %w", err)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(regs)
			}
			return printPlatforms(cmd.OutOrStdout(), regs)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printPlatforms(w io.Writer, regs []*platform.Registration) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tISSUER\tCLIENT ID\tDEPLOYMENT\tKEYS")
	for _, r := range regs {
		keys := r.KeySource.Method
		if r.KeySource.Method == platform.KeyMethodJWKSet {
			keys += " " + r.KeySource.Key
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Name, r.Issuer, r.ClientID, r.DeploymentID, keys)
	}
	return tw.Flush()
}
