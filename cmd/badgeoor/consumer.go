package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/ethpandaops/badgeoor/pkg/api/store"
	"github.com/spf13/cobra"
)

const generatedSecretBytes = 24

var consumerSecret string

var consumerCmd = &cobra.Command{
	Use:   "consumer",
	Short: "Manage LTI tool consumers",
	Long: `Manage the tool consumers whose launches are accepted. Consumers listed
under lti.consumers in the config file are also seeded on every start.`,
}

var consumerAddCmd = &cobra.Command{
	Use:   "add <key>",
	Short: "Register a consumer key, printing its shared secret",
	Args:  cobra.ExactArgs(1),
	RunE:  runConsumerAdd,
}

var consumerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered consumer keys",
	Args:  cobra.NoArgs,
	RunE:  runConsumerList,
}

var consumerRemoveCmd = &cobra.Command{
	Use:   "remove <key>",
	Short: "Remove a consumer key",
	Args:  cobra.ExactArgs(1),
	RunE:  runConsumerRemove,
}

func init() {
	consumerAddCmd.Flags().StringVar(&consumerSecret, "secret", "",
		"shared secret (generated when empty)")

	consumerCmd.AddCommand(consumerAddCmd, consumerListCmd, consumerRemoveCmd)
	rootCmd.AddCommand(consumerCmd)
}

// withStore opens the configured store for the duration of fn.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, st store.Store) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Failed to close store")
		}
	}()

	return fn(ctx, st)
}

func runConsumerAdd(cmd *cobra.Command, args []string) error {
	key := args[0]

	secret := consumerSecret
	if secret == "" {
		b := make([]byte, generatedSecretBytes)
		if _, err := rand.Read(b); err != nil {
			return fmt.Errorf("generating secret: %w", err)
		}

		secret = hex.EncodeToString(b)
	}

	return withStore(cmd, func(ctx context.Context, st store.Store) error {
		if err := st.UpsertExternalConfig(ctx, &store.ExternalConfig{
			ConfigType:   store.ConfigTypeLTI,
			Value:        key,
			SharedSecret: secret,
		}); err != nil {
			return err
		}

		fmt.Printf("consumer key:  %s\n", key)
		fmt.Printf("shared secret: %s\n", secret)

		return nil
	})
}

func runConsumerList(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, st store.Store) error {
		consumers, err := st.ListExternalConfigs(ctx, store.ConfigTypeLTI)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKEY")

		for _, c := range consumers {
			fmt.Fprintf(w, "%d\t%s\n", c.ID, c.Value)
		}

		return w.Flush()
	})
}

func runConsumerRemove(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, st store.Store) error {
		err := st.DeleteExternalConfig(ctx, store.ConfigTypeLTI, args[0])
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no consumer with key %q", args[0])
		}

		if err != nil {
			return err
		}

		log.WithField("key", args[0]).Info("Consumer removed")

		return nil
	})
}
