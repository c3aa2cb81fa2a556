package cli

import (
	"github.com/spf13/cobra"

	"xdao.co/receipts/keys"
)

// NewKeygenCommand creates the keygen command.
func NewKeygenCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		dir       string
		role      string
		seedHex   string
		overwrite bool
	)
	cmd := &cobra.Command{
		Use:   "keygen <identifier>",
		Short: "Create a root key, or derive a role key from one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := keys.CreateKeyStore(dir)
			if err != nil {
				return err
			}
			out := struct {
				Identifier string `json:"identifier"`
				Role       string `json:"role,omitempty"`
				Author     string `json:"author"`
				Path       string `json:"path"`
			}{Identifier: args[0], Role: role}

			if role != "" {
				author, path, err := ks.DeriveKeyFromRole(args[0], role, overwrite)
				if err != nil {
					return err
				}
				out.Author, out.Path = author.String(), path
				return emit(cmd, rootOpts, out, out.Author)
			}

			var seed []byte
			if seedHex != "" {
				if seed, err = keys.ParseSeedHex(seedHex); err != nil {
					return err
				}
			}
			author, path, err := ks.InitializeRootKey(args[0], seed, overwrite)
			if err != nil {
				return err
			}
			out.Author, out.Path = author.String(), path
			return emit(cmd, rootOpts, out, out.Author)
		},
	}
	cmd.Flags().StringVar(&dir, "keys-dir", "", "key store directory (default ~/.receipts/keys)")
	cmd.Flags().StringVar(&role, "role", "", "derive this role key from the identifier's root key")
	cmd.Flags().StringVar(&seedHex, "seed", "", "hex seed for the root key; random when empty")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing key file")
	return cmd
}
