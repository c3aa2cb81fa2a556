package cli

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"xdao.co/receipts/keys"
	"xdao.co/receipts/receipt"
	"xdao.co/receipts/store/registry"
)

type signOptions struct {
	keysDir     string
	identifier  string
	role        string
	keyFile     string
	schema      string
	refs        []string
	payload     string
	payloadFile string
	out         string
	ingest      bool
}

// NewSignCommand creates the sign command.
func NewSignCommand(rootOpts *RootOptions) *cobra.Command {
	o := &signOptions{}
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a new receipt",
		Long: `Sign a new receipt with a stored key.

Refs may be given in any order; they are sorted before signing. The receipt
is written raw to --out, or as hex to stdout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSign(cmd, rootOpts, o)
		},
	}
	cmd.Flags().StringVar(&o.keysDir, "keys-dir", "", "key store directory (default ~/.receipts/keys)")
	cmd.Flags().StringVar(&o.identifier, "key", "", "key identifier in the key store")
	cmd.Flags().StringVar(&o.role, "role", "", "role key to sign with")
	cmd.Flags().StringVar(&o.keyFile, "key-file", "", "hex seed file; defaults to key_file from config")
	cmd.Flags().StringVar(&o.schema, "schema", "", "receipt schema")
	cmd.Flags().StringSliceVar(&o.refs, "ref", nil, "referenced receipt id (repeatable)")
	cmd.Flags().StringVar(&o.payload, "payload", "", "payload as a string")
	cmd.Flags().StringVar(&o.payloadFile, "payload-file", "", "payload file (- for stdin)")
	cmd.Flags().StringVar(&o.out, "out", "", "write raw receipt bytes to this file")
	cmd.Flags().BoolVar(&o.ingest, "ingest", false, "also store the receipt in the configured store")
	_ = cmd.MarkFlagRequired("schema")
	return cmd
}

func runSign(cmd *cobra.Command, rootOpts *RootOptions, o *signOptions) error {
	cfg, err := loadConfig(rootOpts)
	if err != nil {
		return err
	}
	ks, err := keys.CreateKeyStore(o.keysDir)
	if err != nil {
		return err
	}
	keyFile := o.keyFile
	if keyFile == "" && o.identifier == "" {
		keyFile = cfg.KeyFile
	}
	seed, err := ks.LoadSeed("", o.identifier, o.role, keyFile)
	if err != nil {
		return err
	}
	signer, err := keys.NewSigner(seed)
	if err != nil {
		return err
	}

	refs := make([]receipt.ID, 0, len(o.refs))
	for _, s := range o.refs {
		id, err := receipt.ParseID(s)
		if err != nil {
			return err
		}
		refs = append(refs, id)
	}

	payload := []byte(o.payload)
	if o.payloadFile != "" {
		if payload, err = readInput(cmd, o.payloadFile); err != nil {
			return err
		}
	}

	r, err := signer.Sign(o.schema, refs, payload)
	if err != nil {
		return err
	}
	b, err := r.Bytes()
	if err != nil {
		return err
	}

	if o.ingest {
		logger, err := newLogger(cmd, cfg)
		if err != nil {
			return err
		}
		n, err := openNode(cmd.Context(), cfg, registry.UsageCLI, logger)
		if err != nil {
			return err
		}
		defer n.close()
		if _, err := n.kernel.Ingest(cmd.Context(), r); err != nil {
			return err
		}
	}

	if o.out != "" {
		if err := os.WriteFile(o.out, b, 0o644); err != nil {
			return err
		}
	}
	info, err := describe(b)
	if err != nil {
		return err
	}
	text := info.ID
	if o.out == "" {
		text = hex.EncodeToString(b)
		info.Hex = text
	}
	return emit(cmd, rootOpts, info, text)
}

// receiptInfo is the machine-readable summary printed by sign, verify and id.
type receiptInfo struct {
	ID      string   `json:"id"`
	CID     string   `json:"cid"`
	Author  string   `json:"author"`
	Schema  string   `json:"schema"`
	Refs    []string `json:"refs"`
	Size    int      `json:"size"`
	Valid   *bool    `json:"valid,omitempty"`
	Kind    string   `json:"kind,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	Message string   `json:"message,omitempty"`
	Hex     string   `json:"hex,omitempty"`
}

func describe(b []byte) (receiptInfo, error) {
	r, err := receipt.Decode(b)
	if err != nil {
		return receiptInfo{}, err
	}
	addr, err := receipt.ComputeContentAddress(r)
	if err != nil {
		return receiptInfo{}, err
	}
	info := receiptInfo{
		ID:     receipt.IDOfBytes(b).String(),
		CID:    addr.String(),
		Author: r.AuthorKey().String(),
		Schema: r.Schema,
		Refs:   make([]string, 0, len(r.Refs)),
		Size:   len(b),
	}
	for _, ref := range r.Refs {
		info.Refs = append(info.Refs, ref.String())
	}
	return info, nil
}

// readReceipt accepts raw receipt bytes or their hex encoding.
func readReceipt(cmd *cobra.Command, path string) ([]byte, error) {
	b, err := readInput(cmd, path)
	if err != nil {
		return nil, err
	}
	if s := strings.TrimSpace(string(b)); len(s) > 0 && len(s)%2 == 0 {
		if raw, err := hex.DecodeString(s); err == nil {
			return raw, nil
		}
	}
	return b, nil
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <receipt-file>",
		Short: "Verify a receipt's encoding and signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := readReceipt(cmd, args[0])
			if err != nil {
				return err
			}
			valid := true
			info := receiptInfo{}
			if _, perr := receipt.Parse(b); perr != nil {
				valid = false
				var rerr *receipt.Error
				if errors.As(perr, &rerr) {
					info.Kind, info.Reason, info.Message = string(rerr.Kind), string(rerr.Reason), rerr.Message
				}
				if d, derr := describe(b); derr == nil {
					d.Kind, d.Reason, d.Message = info.Kind, info.Reason, info.Message
					info = d
				}
				info.Valid = &valid
				if err := emit(cmd, rootOpts, info, fmt.Sprintf("invalid: %v", perr)); err != nil {
					return err
				}
				return perr
			}
			info, err = describe(b)
			if err != nil {
				return err
			}
			info.Valid = &valid
			return emit(cmd, rootOpts, info, "ok "+info.ID)
		},
	}
}

// NewIDCommand creates the id command.
func NewIDCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "id <receipt-file>",
		Short: "Print a receipt's ReceiptId and content address",
		Long: `Print a receipt's ReceiptId and content address.

The receipt must be canonically encoded; its signature is not checked.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := readReceipt(cmd, args[0])
			if err != nil {
				return err
			}
			info, err := describe(b)
			if err != nil {
				return err
			}
			return emit(cmd, rootOpts, info, info.ID+" "+info.CID)
		},
	}
}
