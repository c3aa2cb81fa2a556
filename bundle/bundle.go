// Package bundle carries receipts offline as a deterministic TAR archive,
// so any untrusted relay (a USB stick, an email attachment) can move them
// between nodes. Every receipt is verified again on import.
package bundle

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"xdao.co/receipts/cidutil"
	"xdao.co/receipts/receipt"
	"xdao.co/receipts/store"
)

// FormatVersion is the current bundle index schema version.
const FormatVersion = 1

const receiptsDir = "receipts/"

var epoch0 = time.Unix(0, 0).UTC()

// Source is what Export reads from.
type Source interface {
	Get(ctx context.Context, id receipt.ID) (*receipt.Receipt, error)
	IDs(ctx context.Context) ([]receipt.ID, error)
}

// Sink is what Import writes to: a store.Store or a *kernel.Kernel.
type Sink interface {
	InsertIfAbsent(ctx context.Context, r *receipt.Receipt) (store.InsertResult, error)
}

// ExportOptions controls bundle export behavior.
type ExportOptions struct {
	// IncludeIndex controls whether index.json is included.
	IncludeIndex bool
	// WithAncestors adds every stored receipt reachable through refs.
	WithAncestors bool
}

// Export writes a deterministic TAR bundle of the given receipts, or of every
// receipt in src when ids is empty.
//
// Entries are named receipts/<content address> and sorted, and TAR headers
// are normalized, so equal sets produce equal bytes.
func Export(ctx context.Context, w io.Writer, src Source, ids []receipt.ID, opts ExportOptions) error {
	if src == nil {
		return fmt.Errorf("bundle: nil source")
	}
	if len(ids) == 0 {
		all, err := src.IDs(ctx)
		if err != nil {
			return err
		}
		ids = all
	}

	entries, err := collect(ctx, src, ids, opts.WithAncestors)
	if err != nil {
		return err
	}

	tw := tar.NewWriter(w)
	index := make([]indexReceipt, 0, len(entries))
	for _, e := range entries {
		if err := writeFile(tw, receiptsDir+e.cid, e.bytes); err != nil {
			_ = tw.Close()
			return err
		}
		index = append(index, indexReceipt{
			CID:    e.cid,
			ID:     e.id.String(),
			Author: e.author.String(),
			Schema: e.schema,
			Size:   len(e.bytes),
		})
	}

	if opts.IncludeIndex {
		b, err := marshalCanonicalIndexJSON(indexJSON{
			Version:   FormatVersion,
			CIDCodec:  "dag-cbor",
			Multihash: "sha2-256",
			Receipts:  index,
		})
		if err != nil {
			_ = tw.Close()
			return err
		}
		if err := writeFile(tw, "index.json", b); err != nil {
			_ = tw.Close()
			return err
		}
	}
	return tw.Close()
}

type entry struct {
	cid    string
	id     receipt.ID
	author receipt.Author
	schema string
	bytes  []byte
}

func collect(ctx context.Context, src Source, ids []receipt.ID, ancestors bool) ([]entry, error) {
	requested := make(map[receipt.ID]struct{}, len(ids))
	for _, id := range ids {
		requested[id] = struct{}{}
	}
	seen := make(map[receipt.ID]struct{}, len(ids))
	queue := append([]receipt.ID(nil), ids...)
	var out []entry
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		r, err := src.Get(ctx, id)
		if err != nil {
			if _, asked := requested[id]; !asked && store.IsNotFound(err) {
				// Referenced but never fetched; the bundle carries what exists.
				continue
			}
			return nil, fmt.Errorf("bundle: %s: %w", id, err)
		}
		b, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		out = append(out, entry{
			cid:    cidutil.CIDv1DagCBORSHA256(b),
			id:     receipt.IDOfBytes(b),
			author: r.AuthorKey(),
			schema: r.Schema,
			bytes:  b,
		})
		if ancestors {
			queue = append(queue, r.Refs...)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].cid < out[j].cid })
	return out, nil
}

// ImportOptions controls bundle import behavior.
type ImportOptions struct {
	// IgnoreUnknown controls whether unknown TAR entries are ignored.
	//
	// Default (false) is fail-closed: unknown entries cause Import to return an error.
	IgnoreUnknown bool
}

// Rejected names a bundle entry that failed verification.
type Rejected struct {
	Name string
	Err  error
}

// ImportReport summarizes an import.
type ImportReport struct {
	Inserted      int
	AlreadyExists int
	Rejected      []Rejected
}

// Import reads a bundle from r into dst.
//
// Each receipt must hash to its entry name and pass receipt.Parse; a receipt
// that fails is reported in ImportReport.Rejected and skipped. A malformed
// archive, an unknown entry or a sink failure stops the import; receipts
// already inserted stay.
func Import(ctx context.Context, r io.Reader, dst Sink, opts ImportOptions) (ImportReport, error) {
	var rep ImportReport
	if dst == nil {
		return rep, fmt.Errorf("bundle: nil sink")
	}

	tr := tar.NewReader(r)
	seen := map[string]struct{}{}
	for {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		h, err := tr.Next()
		if err == io.EOF {
			return rep, nil
		}
		if err != nil {
			return rep, err
		}
		name := cleanTarPath(h.Name)
		if name == "" {
			return rep, fmt.Errorf("bundle: invalid entry path: %q", h.Name)
		}

		if h.Typeflag != tar.TypeReg {
			if opts.IgnoreUnknown {
				continue
			}
			return rep, fmt.Errorf("bundle: unexpected tar entry type: %v (%s)", h.Typeflag, name)
		}

		// Non-authoritative metadata.
		if name == "index.json" {
			_, _ = io.Copy(io.Discard, tr)
			continue
		}

		if !strings.HasPrefix(name, receiptsDir) {
			if opts.IgnoreUnknown {
				_, _ = io.Copy(io.Discard, tr)
				continue
			}
			return rep, fmt.Errorf("bundle: unknown entry: %s", name)
		}

		key := strings.TrimPrefix(name, receiptsDir)
		if _, ok := seen[key]; ok {
			return rep, fmt.Errorf("bundle: duplicate receipt entry: %s", key)
		}
		seen[key] = struct{}{}

		data, err := io.ReadAll(io.LimitReader(tr, receipt.MaxEncodedLen+1))
		if err != nil {
			return rep, err
		}
		rc, err := verifyEntry(key, data)
		if err != nil {
			rep.Rejected = append(rep.Rejected, Rejected{Name: name, Err: err})
			continue
		}

		res, err := dst.InsertIfAbsent(ctx, rc)
		if err != nil {
			var rerr *receipt.Error
			if errors.As(err, &rerr) {
				rep.Rejected = append(rep.Rejected, Rejected{Name: name, Err: err})
				continue
			}
			return rep, err
		}
		if res == store.Inserted {
			rep.Inserted++
		} else {
			rep.AlreadyExists++
		}
	}
}

func verifyEntry(key string, data []byte) (*receipt.Receipt, error) {
	if len(data) > receipt.MaxEncodedLen {
		return nil, fmt.Errorf("bundle: entry exceeds %d bytes", receipt.MaxEncodedLen)
	}
	id, err := cidutil.Parse(key)
	if err != nil {
		return nil, err
	}
	if err := cidutil.Check(data, id); err != nil {
		return nil, err
	}
	return receipt.Parse(data)
}

type indexJSON struct {
	Version   int            `json:"version"`
	CIDCodec  string         `json:"cidCodec"`
	Multihash string         `json:"multihash"`
	Receipts  []indexReceipt `json:"receipts"`
}

type indexReceipt struct {
	CID    string `json:"cid"`
	ID     string `json:"id"`
	Author string `json:"author"`
	Schema string `json:"schema"`
	Size   int    `json:"size"`
}

func marshalCanonicalIndexJSON(idx indexJSON) ([]byte, error) {
	// indexJSON is composed only of structs + slices; encoding/json will be deterministic.
	b, err := json.Marshal(idx)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func writeFile(tw *tar.Writer, name string, content []byte) error {
	hdr := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(content)),
		ModTime:  epoch0,
		Typeflag: tar.TypeReg,
		Format:   tar.FormatUSTAR,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := io.Copy(tw, bytes.NewReader(content))
	return err
}

func cleanTarPath(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimPrefix(name, "./")
	name = strings.TrimPrefix(name, "/")
	if name == "" {
		return ""
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." {
			return ""
		}
	}
	return name
}
