package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"shopsync/backend/internal/bundle"
	"shopsync/backend/internal/config"
	"shopsync/backend/internal/domain"
	"shopsync/backend/internal/store"
	"shopsync/backend/internal/syncengine"
)

var (
	pullFull     bool
	importAs     string
	exportStaff  string
	exportSince  string
	exportType   string
	exportOut    string
	compactOlder time.Duration
	statusMirror bool
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one push and pull pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			err := a.orch.Sync(ctx)
			if printErr := printSnapshot(ctx, a); printErr != nil {
				return printErr
			}
			return err
		})
	},
}

var pullCmd = &cobra.Command{
	Use:     "pull",
	GroupID: "sync",
	Short:   "Pull remote changes into the local store",
	Long: `Pull applies remote rows newer than the per-collection watermarks.

With --full the inventory and categories are mirrored from the backend,
overwriting local rows even when they carry unpushed edits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			if pullFull {
				if err := a.orch.PerformInitialPull(ctx); err != nil {
					return err
				}
				return printSnapshot(ctx, a)
			}
			shopID, err := syncengine.ShopID(ctx, a.repo)
			if err != nil {
				return err
			}
			report, err := a.orch.Puller().PullIncremental(ctx, shopID)
			if err != nil {
				return err
			}
			fmt.Printf("fetched %d, applied %d, kept local %d\n", report.Fetched, report.Applied, report.Kept)
			return nil
		})
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "bundles",
	Short:   "Import an offline bundle file",
	Long: `Import a bundle exported by another device. Shift reports are merged into
the ledger and deduct stock once per sale; importing the same report twice is
harmless. Staff invites and full clones bind this device to the bundle's shop.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			result, err := a.reconciler.ImportEncoded(ctx, strings.TrimSpace(string(raw)), importAs)
			if err != nil {
				return err
			}
			fmt.Printf("%s: merged %d, skipped %d, applied %d\n", result.Type, result.Merged, result.Skipped, result.Applied)
			return nil
		})
	},
}

var exportReportCmd = &cobra.Command{
	Use:     "export-report",
	GroupID: "bundles",
	Short:   "Export an offline bundle",
	Long: `Export a bundle for another device. The default is the shift report of the
staff member named by --staff; --type selects stock_update, staff_invite or
full_clone instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		since, err := parseSince(exportSince)
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			var b domain.Bundle
			switch domain.BundleType(exportType) {
			case domain.BundleShiftReport:
				if strings.TrimSpace(exportStaff) == "" {
					return fmt.Errorf("--staff is required for a shift report")
				}
				b, err = a.reconciler.ExportShiftReport(ctx, exportStaff, since)
			case domain.BundleStockUpdate:
				b, err = a.reconciler.ExportStockUpdate(ctx)
			case domain.BundleStaffInvite:
				b, err = a.reconciler.ExportStaffInvite(ctx)
			case domain.BundleFullClone:
				b, err = a.reconciler.ExportFullClone(ctx)
			default:
				return fmt.Errorf("%w: %q", bundle.ErrUnknownType, exportType)
			}
			if err != nil {
				return err
			}
			encoded, err := bundle.Encode(b)
			if err != nil {
				return err
			}
			if exportOut == "" || exportOut == "-" {
				fmt.Println(encoded)
				return nil
			}
			if err := os.WriteFile(exportOut, []byte(encoded), 0o600); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "wrote %s bundle to %s\n", b.Type, exportOut)
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show the sync status of this device",
	Long: `Show the pending row count and the last known status. With --mirror the
status published by a running daemon is read from Redis instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			if !statusMirror {
				return printSnapshot(ctx, a)
			}
			shopID, _ := a.repo.Setting(ctx, store.SettingShopID)
			deviceID, _ := a.repo.Setting(ctx, store.SettingDeviceID)
			snap, ok, err := a.mirror.Latest(ctx, shopID, deviceID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no status published for device %s", deviceID)
			}
			return printJSON(snap)
		})
	},
}

var compactCmd = &cobra.Command{
	Use:     "compact",
	GroupID: "sync",
	Short:   "Delete old tombstones from the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			shopID, err := syncengine.ShopID(ctx, a.repo)
			if err != nil {
				return err
			}
			n, err := a.orch.Pusher().CompactTombstones(ctx, shopID, time.Now().Add(-compactOlder))
			if err != nil {
				return err
			}
			fmt.Printf("removed %d tombstones\n", n)
			return nil
		})
	},
}

func init() {
	pullCmd.Flags().BoolVar(&pullFull, "full", false, "mirror the catalogue, overwriting local edits")
	importCmd.Flags().StringVar(&importAs, "as", "", "name recorded as the reconciler on stock logs")
	exportReportCmd.Flags().StringVar(&exportStaff, "staff", "", "staff member whose sales and expenses to export")
	exportReportCmd.Flags().StringVar(&exportSince, "since", "", "only include entries at or after this RFC 3339 time")
	exportReportCmd.Flags().StringVar(&exportType, "type", string(domain.BundleShiftReport), "bundle type")
	exportReportCmd.Flags().StringVarP(&exportOut, "output", "o", "", "write the bundle to this file instead of stdout")
	statusCmd.Flags().BoolVar(&statusMirror, "mirror", false, "read the status a running daemon published to Redis")
	compactCmd.Flags().DurationVar(&compactOlder, "older-than", 30*24*time.Hour, "minimum tombstone age")

	rootCmd.AddCommand(syncCmd, pullCmd, importCmd, exportReportCmd, statusCmd, compactCmd)
}

// withApp opens the local store and backend for a one-shot command.
func withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	a, err := openApp(ctx, config.Load(), appOptions{})
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func parseSince(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--since: %w", err)
	}
	return t, nil
}

func printSnapshot(ctx context.Context, a *app) error {
	snap, err := a.orch.Snapshot(ctx)
	if err != nil {
		return err
	}
	return printJSON(snap)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
