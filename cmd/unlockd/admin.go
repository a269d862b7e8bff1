package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/chapterunlock/internal/config"
	"github.com/MarkoPoloResearchLab/chapterunlock/internal/unlock"
	"github.com/MarkoPoloResearchLab/chapterunlock/pkg/ledger"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	flagUserID         = "user-id"
	flagAmount         = "amount"
	flagIdempotencyKey = "idempotency-key"
	flagDescription    = "description"
	flagStoryID        = "story-id"
	flagTitle          = "title"
	flagChapterCount   = "chapters"
	flagChapterPrice   = "price"
	flagFreeChapters   = "free-chapters"
)

func newWalletCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Inspect and credit spirit-stone wallets",
	}
	cmd.AddCommand(newWalletCreditCommand(), newWalletBalanceCommand())
	return cmd
}

func newWalletCreditCommand() *cobra.Command {
	cfg := config.Config{}
	cmd := &cobra.Command{
		Use:   "credit",
		Short: "Credit a wallet exactly once per idempotency key",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadStorageConfig(cmd, &cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := ledger.NewUserID(stringFlag(cmd, flagUserID))
			if err != nil {
				return err
			}
			rawAmount, _ := cmd.Flags().GetInt64(flagAmount)
			amount, err := ledger.NewPositiveStones(rawAmount)
			if err != nil {
				return err
			}
			rawKey := stringFlag(cmd, flagIdempotencyKey)
			if rawKey == "" {
				rawKey = "admin-credit:" + uuid.NewString()
			}
			idempotencyKey, err := ledger.NewIdempotencyKey(rawKey)
			if err != nil {
				return err
			}

			stores, err := openStorage(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer stores.close()
			service, err := newLedgerService(stores, zap.NewNop())
			if err != nil {
				return err
			}
			wallet, err := service.TopUp(cmd.Context(), userID, amount, ledger.EntryKindAdminAdjustment, idempotencyKey, stringFlag(cmd, flagDescription), ledger.MetadataJSON{})
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{
				"user_id":         userID.String(),
				"balance":         wallet.Balance().Int64(),
				"idempotency_key": idempotencyKey.String(),
			})
		},
	}
	cmd.Flags().String(flagUserID, "", "wallet owner (required)")
	cmd.Flags().Int64(flagAmount, 0, "spirit stones to credit (required)")
	cmd.Flags().String(flagIdempotencyKey, "", "payment reference; a repeated key credits nothing")
	cmd.Flags().String(flagDescription, "admin wallet credit", "ledger entry description")
	_ = cmd.MarkFlagRequired(flagUserID)
	_ = cmd.MarkFlagRequired(flagAmount)
	return cmd
}

func newWalletBalanceCommand() *cobra.Command {
	cfg := config.Config{}
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Print a wallet balance and its latest ledger entries",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadStorageConfig(cmd, &cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := ledger.NewUserID(stringFlag(cmd, flagUserID))
			if err != nil {
				return err
			}
			stores, err := openStorage(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer stores.close()
			service, err := newLedgerService(stores, zap.NewNop())
			if err != nil {
				return err
			}
			wallet, err := service.Balance(cmd.Context(), userID)
			if err != nil {
				return err
			}
			entries, err := service.ListEntries(cmd.Context(), userID, 0, 20)
			if err != nil {
				return err
			}
			lines := make([]map[string]any, 0, len(entries))
			for _, entry := range entries {
				lines = append(lines, map[string]any{
					"entry_id":    entry.EntryID().String(),
					"amount":      entry.Amount().Int64(),
					"kind":        entry.Kind().String(),
					"description": entry.Description(),
					"created_at":  time.Unix(entry.CreatedUnixUTC(), 0).UTC().Format(time.RFC3339),
				})
			}
			return printJSON(cmd, map[string]any{
				"user_id": userID.String(),
				"balance": wallet.Balance().Int64(),
				"entries": lines,
			})
		},
	}
	cmd.Flags().String(flagUserID, "", "wallet owner (required)")
	_ = cmd.MarkFlagRequired(flagUserID)
	return cmd
}

func newCatalogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the story catalog mirror",
	}
	cmd.AddCommand(newCatalogSeedCommand())
	return cmd
}

func newCatalogSeedCommand() *cobra.Command {
	cfg := config.Config{}
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create or update a story with uniformly priced chapters",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadStorageConfig(cmd, &cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			storyID, _ := cmd.Flags().GetInt64(flagStoryID)
			chapterCount, _ := cmd.Flags().GetInt(flagChapterCount)
			price, _ := cmd.Flags().GetInt64(flagChapterPrice)
			freeChapters, _ := cmd.Flags().GetInt(flagFreeChapters)
			if storyID <= 0 || chapterCount <= 0 || price < 0 {
				return fmt.Errorf("%s and %s must be positive and %s non-negative", flagStoryID, flagChapterCount, flagChapterPrice)
			}
			title := stringFlag(cmd, flagTitle)
			if title == "" {
				title = fmt.Sprintf("Story %d", storyID)
			}

			stores, err := openStorage(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer stores.close()
			if err := stores.catalog.SaveStory(cmd.Context(), unlock.Story{StoryID: storyID, Title: title}); err != nil {
				return err
			}
			chapters := make([]unlock.ChapterPriceInfo, 0, chapterCount)
			for number := 1; number <= chapterCount; number++ {
				chapters = append(chapters, unlock.ChapterPriceInfo{
					ChapterID:     storyID*100_000 + int64(number),
					StoryID:       storyID,
					ChapterNumber: number,
					Title:         fmt.Sprintf("Chapter %d", number),
					Price:         price,
					IsLocked:      number > freeChapters && price > 0,
				})
			}
			if err := stores.catalog.SaveChapters(cmd.Context(), chapters); err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"story_id": storyID, "title": title, "chapters": chapterCount})
		},
	}
	cmd.Flags().Int64(flagStoryID, 0, "story id (required)")
	cmd.Flags().String(flagTitle, "", "story title")
	cmd.Flags().Int(flagChapterCount, 0, "number of chapters (required)")
	cmd.Flags().Int64(flagChapterPrice, 10, "price per locked chapter in spirit stones")
	cmd.Flags().Int(flagFreeChapters, 0, "leading chapters that stay free to read")
	_ = cmd.MarkFlagRequired(flagStoryID)
	_ = cmd.MarkFlagRequired(flagChapterCount)
	return cmd
}

func stringFlag(cmd *cobra.Command, name string) string {
	value, _ := cmd.Flags().GetString(name)
	return value
}

func printJSON(cmd *cobra.Command, value any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
