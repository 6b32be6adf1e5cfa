// Package cli builds the limestone-recover command tree: offline
// recover, compact, and dump operations against a log directory,
// driven by the same datastore.Datastore the embedded core uses.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	cfgpkg "github.com/chuliyu/limestone-go/internal/config"
	"github.com/chuliyu/limestone-go/internal/datastore"
)

var configFile string

// BuildCLI assembles the root command and its recover/compact/dump
// subcommands.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "limestone-recover",
		Short: "Offline recovery and maintenance tool for a limestone log directory",
		Long: `limestone-recover drives the limestone durability core outside of an
embedding process: replaying a log directory to a consistent snapshot,
running a compaction pass, or dumping its merged contents.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRecoverCommand())
	rootCmd.AddCommand(buildCompactCommand())
	rootCmd.AddCommand(buildDumpCommand())

	return rootCmd
}

func openDatastore() (*datastore.Datastore, error) {
	cfg, err := cfgpkg.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	dsCfg, err := cfg.DatastoreConfig()
	if err != nil {
		return nil, fmt.Errorf("building datastore config: %w", err)
	}
	dsCfg.Logger = slog.Default()

	ds, err := datastore.Open(dsCfg)
	if err != nil {
		return nil, fmt.Errorf("opening datastore: %w", err)
	}
	return ds, nil
}

func buildRecoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Replay the WAL into a consistent snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := openDatastore()
			if err != nil {
				return err
			}
			defer ds.Shutdown()

			start := time.Now()
			if err := ds.Recover(context.Background()); err != nil {
				return fmt.Errorf("recover: %w", err)
			}
			fmt.Printf("recovery complete in %s\n", time.Since(start))
			return nil
		},
	}
}

func buildCompactCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Run one compaction pass against the log directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := openDatastore()
			if err != nil {
				return err
			}
			defer ds.Shutdown()

			if err := ds.Recover(context.Background()); err != nil {
				return fmt.Errorf("recover before compact: %w", err)
			}
			result, err := ds.Compact()
			if err != nil {
				return fmt.Errorf("compact: %w", err)
			}
			if result == nil {
				fmt.Println("compaction skipped: a backup is in progress")
				return nil
			}
			fmt.Printf("compacted into %s\n", result.CompactedFile)
			return nil
		},
	}
}

func buildDumpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Print every key/value pair in the merged snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := openDatastore()
			if err != nil {
				return err
			}
			defer ds.Shutdown()

			if err := ds.Recover(context.Background()); err != nil {
				return fmt.Errorf("recover before dump: %w", err)
			}
			cur, err := ds.GetSnapshot()
			if err != nil {
				return fmt.Errorf("opening snapshot cursor: %w", err)
			}
			defer cur.Close()

			for cur.Next() {
				fmt.Fprintf(os.Stdout, "%d\t%q\t%q\n", cur.Storage(), cur.Key(), cur.Value())
			}
			if ec, ok := cur.(interface{ Err() error }); ok {
				return ec.Err()
			}
			return nil
		},
	}
}
