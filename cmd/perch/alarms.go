package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/perchlabs/perch/internal/storage/sqlstore"
	"github.com/perchlabs/perch/internal/types"
)

var alarmsCmd = &cobra.Command{
	Use:   "alarms",
	Short: "Inspect and manage pending alarms",
}

var alarmsListCmd = &cobra.Command{
	Use:   "list <type> <id>",
	Short: "List an entity's pending alarms",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store *sqlstore.Store, prefix string) error {
			alarms, err := store.ListAlarms(ctx, prefix, args[0], args[1])
			if err != nil {
				return err
			}
			if len(alarms) == 0 {
				fmt.Println("no pending alarms")
				return nil
			}
			for _, a := range alarms {
				claimed := ""
				if a.ClaimedAt != nil {
					claimed = fmt.Sprintf("  claimed %s", a.ClaimedAt.Format(time.RFC3339))
				}
				fmt.Printf("%-24s %s%s\n", a.Name, a.ScheduledAt.Format(time.RFC3339Nano), claimed)
			}
			return nil
		})
	},
}

var alarmsCancelCmd = &cobra.Command{
	Use:   "cancel <type> <id> [name]",
	Short: "Cancel one alarm, or all of an entity's alarms",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store *sqlstore.Store, prefix string) error {
			ref := types.Ref{Type: args[0], ID: args[1]}
			if len(args) == 3 {
				return store.DeleteAlarm(ctx, prefix, ref.Type, ref.ID, args[2])
			}
			return store.DeleteAlarms(ctx, prefix, ref.Type, ref.ID)
		})
	},
}

func init() {
	alarmsCmd.AddCommand(alarmsListCmd)
	alarmsCmd.AddCommand(alarmsCancelCmd)
}

func withStore(fn func(ctx context.Context, store *sqlstore.Store, prefix string) error) error {
	dsn := viper.GetString("store")
	if dsn == "" {
		return fmt.Errorf("requires --store")
	}
	ctx := context.Background()
	store, err := sqlstore.Open(ctx, dsn, sqlstore.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return fn(ctx, store, viper.GetString("prefix"))
}
