package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/perchlabs/perch/internal/storage/migrate"
	"github.com/perchlabs/perch/internal/storage/sqlstore"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runMigrate,
}

func init() {
	migrateCmd.Flags().Int("base", -1, "current on-disk schema version (-1 = read from the database)")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	dsn := viper.GetString("store")
	if dsn == "" {
		return fmt.Errorf("migrate requires --store")
	}
	base, err := cmd.Flags().GetInt("base")
	if err != nil {
		return err
	}

	ctx := context.Background()
	store, err := sqlstore.Open(ctx, dsn, sqlstore.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	prefix := viper.GetString("prefix")
	version, err := migrate.Run(ctx, store.DB(), prefix, base)
	if err != nil {
		return err
	}
	fmt.Printf("schema at version %d (latest %d)\n", version, migrate.Latest())
	return nil
}
