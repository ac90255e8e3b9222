package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/neboloop/warden/internal/contextmgr"
	"github.com/neboloop/warden/internal/crashtrack"
	"github.com/neboloop/warden/internal/db"
)

func statusCmd() *cobra.Command {
	var historyN int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show persisted crash and compaction history",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sqlDB, err := db.Open(cfg.DBPath())
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer sqlDB.Close()

			crashes := crashtrack.NewStore(sqlDB)
			total, err := crashes.Count()
			if err != nil {
				return err
			}
			fmt.Printf("crashes recorded: %d\n", total)

			recent, err := crashes.Recent(historyN)
			if err != nil {
				return err
			}
			for _, rec := range recent {
				marker := " "
				if rec.RecoveryAttempted {
					if rec.RecoverySucceeded {
						marker = "+"
					} else {
						marker = "-"
					}
				}
				fmt.Printf("  %s %s [%s] %s\n", marker,
					rec.Timestamp.Format(time.RFC3339), rec.Category, rec.Message)
			}

			snaps, err := contextmgr.NewStore(sqlDB).Recent(historyN)
			if err != nil {
				return err
			}
			fmt.Printf("compactions recorded: %d shown\n", len(snaps))
			for _, s := range snaps {
				fmt.Printf("  %s iterations=%d tokens=%d/%d age=%s\n",
					s.Timestamp.Format(time.RFC3339), s.Iterations,
					s.InputTokens, s.OutputTokens, s.Age)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&historyN, "limit", "n", 10, "history entries to show")
	return cmd
}
