package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/openreef/tide/internal/auth"
	"github.com/openreef/tide/internal/printer"
)

var tokenUser string

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage API tokens",
	Long: `Manage API tokens directly against the catalog.

The HTTP API can rotate and revoke a caller's own token, but the first
token for a user has to be minted out of band; that is what this
command is for.`,
}

var tokenMintCmd = &cobra.Command{
	Use:   "mint",
	Short: "Mint a token for a user",
	Long: `Mint a fresh API token for a user, revoking any previously
active token. The token is printed once and never stored in plaintext.`,
	RunE: runTokenMint,
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Revoke a user's active token",
	RunE:  runTokenRevoke,
}

var tokenShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show a user's active token prefix",
	RunE:  runTokenShow,
}

func init() {
	tokenCmd.PersistentFlags().StringVar(&tokenUser, "user", "", "User the token belongs to (required)")
	tokenCmd.MarkPersistentFlagRequired("user")

	tokenCmd.AddCommand(tokenMintCmd)
	tokenCmd.AddCommand(tokenRevokeCmd)
	tokenCmd.AddCommand(tokenShowCmd)
	rootCmd.AddCommand(tokenCmd)
}

// tokenService builds an auth service from the configured catalog.
// The returned closer shuts the catalog connection down.
func tokenService() (*auth.Service, func() error, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, printer.Error("Configuration error", err.Error(), nil)
	}
	client, err := newCatalog(cfg)
	if err != nil {
		return nil, nil, printer.Error("Catalog error", err.Error(), nil)
	}
	return auth.NewService(client), client.Close, nil
}

func runTokenMint(cmd *cobra.Command, args []string) error {
	svc, closer, err := tokenService()
	if err != nil {
		return err
	}
	defer closer()

	result, err := svc.Mint(context.Background(), tokenUser)
	if err != nil {
		return printer.Error("Could not mint token", err.Error(), nil)
	}

	printer.Success("Token minted for %s\n", tokenUser)
	printer.Println()
	printer.Printf("  %s\n", result.Token)
	printer.Println()
	printer.Warning("This token is shown once and cannot be recovered. Store it now.\n")
	return nil
}

func runTokenRevoke(cmd *cobra.Command, args []string) error {
	svc, closer, err := tokenService()
	if err != nil {
		return err
	}
	defer closer()

	if err := svc.Revoke(context.Background(), tokenUser); err != nil {
		return printer.Error("Could not revoke token", err.Error(), nil)
	}
	printer.Success("Active token for %s revoked\n", tokenUser)
	return nil
}

func runTokenShow(cmd *cobra.Command, args []string) error {
	svc, closer, err := tokenService()
	if err != nil {
		return err
	}
	defer closer()

	token, err := svc.Active(context.Background(), tokenUser)
	if err != nil {
		return printer.Error("Could not read token", err.Error(), nil)
	}
	if token == nil {
		printer.Info("No active token for %s\n", tokenUser)
		return nil
	}

	printer.Printf("prefix:  %s\n", token.Prefix)
	printer.Printf("created: %s\n", time.UnixMilli(token.CreatedAtMs).Format(time.RFC3339))
	return nil
}
