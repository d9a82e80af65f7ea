package main

import (
	"context"
	"fmt"

	"github.com/ethpandaops/badgeoor/pkg/api/store"
	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove expired sessions and launch nonces",
	Long: `Remove expired sessions and launch nonces from the database. The server
does this periodically; this command is for deployments that run the server
with a long cleanup interval or not at all.`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, st store.Store) error {
		sessions, err := st.DeleteExpiredSessions(ctx)
		if err != nil {
			return err
		}

		nonces, err := st.DeleteExpiredLaunchNonces(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Removed %d expired session(s) and %d launch nonce(s)\n", sessions, nonces)

		return nil
	})
}
