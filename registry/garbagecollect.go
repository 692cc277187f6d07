package registry

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/quayd/quayd/registry/metadata"
	"github.com/quayd/quayd/registry/storage"
	"github.com/quayd/quayd/registry/storage/driver/factory"
)

// GCCmd removes blobs whose reference count dropped to zero and reclaims
// stale upload sessions.
var GCCmd = &cobra.Command{
	Use:   "garbage-collect [config]",
	Short: "remove unreferenced blobs and stale upload sessions",
	Long:  "Remove every blob no manifest references along with its backend file, and cancel upload sessions idle past the expiry window. Safe to run while the registry serves traffic.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reportOrphans, err := cmd.Flags().GetBool("report-orphans")
		if err != nil {
			return err
		}

		config, err := resolveConfiguration(args)
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}
		configureLogging(config)

		ctx := context.Background()
		driver, err := factory.Create(ctx, config.Storage.Type(), config.Storage.Parameters())
		if err != nil {
			return fmt.Errorf("creating storage driver %q: %w", config.Storage.Type(), err)
		}

		db, err := metadata.Open(config.Database.Path)
		if err != nil {
			return err
		}
		defer db.Close()

		reg := storage.NewRegistry(db, driver)

		stats, err := reg.RunGC(ctx)
		if err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"blobs":   stats.Blobs,
			"uploads": stats.Uploads,
		}).Info("garbage collection complete")

		if reportOrphans {
			orphans, err := reg.SweepOrphans(ctx)
			if err != nil {
				return err
			}
			log.WithField("orphans", len(orphans)).Info("orphan sweep complete")
		}
		return nil
	},
}
