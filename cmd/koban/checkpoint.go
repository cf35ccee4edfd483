package main

import (
	"fmt"

	"github.com/okabedev/koban/internal/checkpoint"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"
	"github.com/spf13/cobra"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect stored checkpoints",
	Long:  `List and prune checkpoints stored on disk for a chat session.`,
}

var checkpointLsCmd = &cobra.Command{
	Use:   "ls <chat-id>",
	Short: "List checkpoints for a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openCheckpointStore(cmd)
		if err != nil {
			return err
		}

		chatID := args[0]
		cps, err := store.GetCheckpointsByChat(cmd.Context(), chatID)
		if err != nil {
			return fmt.Errorf("failed to load checkpoints: %w", err)
		}
		if len(cps) == 0 {
			fmt.Println("No checkpoints found.")
			return nil
		}

		purple := lipgloss.Color("99")
		headerStyle := lipgloss.NewStyle().Foreground(purple).Bold(true).Padding(0, 1)
		cellStyle := lipgloss.NewStyle().Padding(0, 1)

		t := table.New().
			Border(lipgloss.NormalBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(purple)).
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == table.HeaderRow {
					return headerStyle
				}
				return cellStyle
			}).
			Headers("ID", "TRIGGER", "KIND", "SIZE", "CREATED")

		var total int64
		for _, cp := range cps {
			kind := "full"
			if !cp.IsFullSnapshot {
				kind = "incremental"
			}
			if cp.Compressed {
				kind += "+gz"
			}
			total += cp.SizeBytes
			t.Row(
				cp.ID,
				string(cp.Trigger),
				kind,
				fmt.Sprintf("%d B", cp.SizeBytes),
				cp.CreatedAt.Format("2006-01-02 15:04:05"),
			)
		}

		fmt.Println(t.String())
		fmt.Printf("Total: %d checkpoint(s), %d bytes\n", len(cps), total)
		return nil
	},
}

var checkpointPruneCmd = &cobra.Command{
	Use:   "prune <chat-id>",
	Short: "Delete old checkpoints past the retention limit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openCheckpointStore(cmd)
		if err != nil {
			return err
		}

		keep, err := cmd.Flags().GetInt("keep")
		if err != nil {
			return err
		}
		if keep <= 0 && cfg != nil {
			keep = cfg.Checkpoint.RetentionKeep
		}

		preserveManual := true
		if cfg != nil {
			preserveManual = cfg.Checkpoint.PreserveManual
		}

		deleted, err := store.DeleteOldCheckpoints(cmd.Context(), args[0], keep, checkpoint.RetentionOptions{
			PreserveManual: preserveManual,
		})
		if err != nil {
			return fmt.Errorf("failed to prune checkpoints: %w", err)
		}

		fmt.Printf("Deleted %d checkpoint(s), kept the %d most recent.\n", deleted, keep)
		return nil
	},
}

func openCheckpointStore(cmd *cobra.Command) (*checkpoint.FileStore, error) {
	loadedCfg, err := loadConfigForCommand(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	store, err := checkpoint.NewFileStore(loadedCfg.Checkpoint.StorePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	return store, nil
}

func init() {
	checkpointPruneCmd.Flags().Int("keep", 0, "checkpoints to keep (default from config)")
	checkpointCmd.AddCommand(checkpointLsCmd)
	checkpointCmd.AddCommand(checkpointPruneCmd)
	rootCmd.AddCommand(checkpointCmd)
}
