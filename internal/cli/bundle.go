package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"xdao.co/receipts/bundle"
	"xdao.co/receipts/receipt"
	"xdao.co/receipts/store/registry"
)

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		ids       []string
		ancestors bool
		noIndex   bool
	)
	cmd := &cobra.Command{
		Use:   "export <bundle.tar>",
		Short: "Write stored receipts to a deterministic TAR bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd, cfg)
			if err != nil {
				return err
			}
			n, err := openNode(cmd.Context(), cfg, registry.UsageCLI, logger)
			if err != nil {
				return err
			}
			defer n.close()

			want := make([]receipt.ID, 0, len(ids))
			for _, s := range ids {
				id, err := receipt.ParseID(s)
				if err != nil {
					return err
				}
				want = append(want, id)
			}

			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			opts := bundle.ExportOptions{IncludeIndex: !noIndex, WithAncestors: ancestors}
			if err := bundle.Export(cmd.Context(), f, n.kernel.Store(), want, opts); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			logger.Info("bundle written", "path", args[0])
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&ids, "id", nil, "receipt id to export (repeatable); all when empty")
	cmd.Flags().BoolVar(&ancestors, "ancestors", false, "include stored receipts reachable through refs")
	cmd.Flags().BoolVar(&noIndex, "no-index", false, "omit index.json")
	return cmd
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	var ignoreUnknown bool
	cmd := &cobra.Command{
		Use:   "import <bundle.tar>",
		Short: "Verify and store every receipt in a bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd, cfg)
			if err != nil {
				return err
			}
			n, err := openNode(cmd.Context(), cfg, registry.UsageCLI, logger)
			if err != nil {
				return err
			}
			defer n.close()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			rep, err := bundle.Import(cmd.Context(), f, n.kernel, bundle.ImportOptions{IgnoreUnknown: ignoreUnknown})
			if err != nil {
				return err
			}
			for _, r := range rep.Rejected {
				logger.Error("rejected bundle entry", "entry", r.Name, "err", r.Err)
			}
			out := struct {
				Inserted      int `json:"inserted"`
				AlreadyExists int `json:"already_exists"`
				Rejected      int `json:"rejected"`
			}{rep.Inserted, rep.AlreadyExists, len(rep.Rejected)}
			return emit(cmd, rootOpts, out, fmt.Sprintf("inserted=%d already_exists=%d rejected=%d",
				out.Inserted, out.AlreadyExists, out.Rejected))
		},
	}
	cmd.Flags().BoolVar(&ignoreUnknown, "ignore-unknown", false, "skip unknown archive entries instead of failing")
	return cmd
}
