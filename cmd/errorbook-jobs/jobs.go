package main

import (
	"encoding/json"
	"error_book_backend/internal/model"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var snapshotDailyCmd = &cobra.Command{
	Use:   "snapshot-daily",
	Short: "Snapshot every active (user, subject) pair and prune old daily snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setup(cmd)
		if err != nil {
			return err
		}
		defer env.close()

		report, err := env.services.Snapshot.RunDaily(cmd.Context(), time.Now().UTC())
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

var snapshotUserCmd = &cobra.Command{
	Use:   "snapshot-user <user-id> <subject>",
	Short: "Create a manual snapshot for one user and subject",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var userID uint
		if _, err := fmt.Sscanf(args[0], "%d", &userID); err != nil || userID == 0 {
			return fmt.Errorf("invalid user id %q", args[0])
		}
		subject, ok := model.ParseSubject(args[1])
		if !ok || !subject.Valid() {
			return fmt.Errorf("unknown subject %q", args[1])
		}

		env, err := setup(cmd)
		if err != nil {
			return err
		}
		defer env.close()

		snap, err := env.services.Snapshot.CreateManual(cmd.Context(), userID, subject)
		if err != nil {
			return err
		}
		return printJSON(snap)
	},
}

var expirePlansCmd = &cobra.Command{
	Use:   "expire-plans",
	Short: "Mark revision plans past their expiry as expired",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setup(cmd)
		if err != nil {
			return err
		}
		defer env.close()

		n, err := env.services.Revision.ExpirePlans(time.Now().UTC())
		if err != nil {
			return err
		}
		return printJSON(map[string]int64{"expired": n})
	},
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
