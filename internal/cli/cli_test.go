package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"xdao.co/receipts/antientropy"
	"xdao.co/receipts/antientropy/grpcsync"
	"xdao.co/receipts/internal/log"
	"xdao.co/receipts/kernel"
	"xdao.co/receipts/receipt"
	"xdao.co/receipts/store"
	"xdao.co/receipts/store/testkit"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return strings.TrimSpace(out.String()), err
}

func writeConfig(t *testing.T, backend, key, value string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "receiptd.yaml")
	body := fmt.Sprintf(`store:
  backends:
    - name: %s
      config: {%s: %q}
`, backend, key, value)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "receiptd", cmd.Use)

	for _, name := range []string{"serve", "sync", "keygen", "sign", "verify", "id", "export", "import"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)
	config := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, config)
	assert.Equal(t, "c", config.Shorthand)
}

func TestInvalidFormatRejected(t *testing.T) {
	_, err := execute(t, "--format", "yaml", "id", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestKeygenSignVerifyID(t *testing.T) {
	keysDir := t.TempDir()
	out, err := execute(t, "--format", "json", "keygen", "alice", "--keys-dir", keysDir)
	require.NoError(t, err)
	var key struct {
		Author string `json:"author"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &key))
	require.Len(t, key.Author, 64)

	role, err := execute(t, "keygen", "alice", "--role", "billing", "--keys-dir", keysDir)
	require.NoError(t, err)
	assert.NotEqual(t, key.Author, role)

	file := filepath.Join(t.TempDir(), "r.cbor")
	id, err := execute(t, "sign", "--keys-dir", keysDir, "--key", "alice",
		"--schema", "note", "--payload", "hello", "--out", file)
	require.NoError(t, err)
	require.Len(t, id, 64)

	out, err = execute(t, "verify", file)
	require.NoError(t, err)
	assert.Equal(t, "ok "+id, out)

	out, err = execute(t, "--format", "json", "verify", file)
	require.NoError(t, err)
	var info receiptInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, id, info.ID)
	assert.Equal(t, key.Author, info.Author)
	assert.Equal(t, "note", info.Schema)
	require.NotNil(t, info.Valid)
	assert.True(t, *info.Valid)

	out, err = execute(t, "id", file)
	require.NoError(t, err)
	fields := strings.Fields(out)
	require.Len(t, fields, 2)
	assert.Equal(t, id, fields[0])
	assert.True(t, strings.HasPrefix(fields[1], "b"), "CIDv1 base32 string: %s", fields[1])
}

func TestVerifyReportsTampering(t *testing.T) {
	keysDir := t.TempDir()
	_, err := execute(t, "keygen", "alice", "--keys-dir", keysDir)
	require.NoError(t, err)

	file := filepath.Join(t.TempDir(), "r.cbor")
	_, err = execute(t, "sign", "--keys-dir", keysDir, "--key", "alice",
		"--schema", "note", "--payload", "hello", "--out", file)
	require.NoError(t, err)

	b, err := os.ReadFile(file)
	require.NoError(t, err)
	tampered := bytes.Replace(b, []byte("hello"), []byte("jello"), 1)
	require.NotEqual(t, b, tampered)
	require.NoError(t, os.WriteFile(file, tampered, 0o644))

	out, err := execute(t, "--format", "json", "verify", file)
	require.Error(t, err)
	assert.True(t, receipt.IsKind(err, receipt.KindSignature))

	var info receiptInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	require.NotNil(t, info.Valid)
	assert.False(t, *info.Valid)
	assert.Equal(t, string(receipt.KindSignature), info.Kind)
	assert.Equal(t, string(receipt.SignatureMismatch), info.Reason)
}

func TestExportImportAcrossBackends(t *testing.T) {
	keysDir := t.TempDir()
	_, err := execute(t, "keygen", "alice", "--keys-dir", keysDir)
	require.NoError(t, err)

	src := writeConfig(t, "sqlite", "path", filepath.Join(t.TempDir(), "receipts.db"))
	first, err := execute(t, "-c", src, "sign", "--keys-dir", keysDir, "--key", "alice",
		"--schema", "note", "--payload", "one", "--ingest", "--out", filepath.Join(t.TempDir(), "1.cbor"))
	require.NoError(t, err)
	_, err = execute(t, "-c", src, "sign", "--keys-dir", keysDir, "--key", "alice",
		"--schema", "note", "--payload", "two", "--ref", first, "--ingest")
	require.NoError(t, err)

	tarPath := filepath.Join(t.TempDir(), "bundle.tar")
	_, err = execute(t, "-c", src, "export", tarPath)
	require.NoError(t, err)

	again := filepath.Join(t.TempDir(), "again.tar")
	_, err = execute(t, "-c", src, "export", again)
	require.NoError(t, err)
	a, err := os.ReadFile(tarPath)
	require.NoError(t, err)
	b, err := os.ReadFile(again)
	require.NoError(t, err)
	assert.Equal(t, a, b, "export is deterministic")

	dst := writeConfig(t, "localfs", "dir", t.TempDir())
	out, err := execute(t, "-c", dst, "import", tarPath)
	require.NoError(t, err)
	assert.Equal(t, "inserted=2 already_exists=0 rejected=0", out)

	out, err = execute(t, "-c", dst, "import", tarPath)
	require.NoError(t, err)
	assert.Equal(t, "inserted=0 already_exists=2 rejected=0", out)
}

func servePeer(t *testing.T, rs ...*receipt.Receipt) string {
	t.Helper()
	k, err := kernel.New(context.Background(), store.NewMemory())
	require.NoError(t, err)
	for _, r := range rs {
		_, err := k.Ingest(context.Background(), r)
		require.NoError(t, err)
	}
	e := antientropy.NewEngine(k, antientropy.WithLogger(log.NewTestingLogger(t)))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := grpc.NewServer(grpcsync.ServerOptions()...)
	grpcsync.RegisterSyncServer(srv, grpcsync.NewServer(e, log.NewTestingLogger(t)))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func TestSyncPullsFromPeer(t *testing.T) {
	priv := testkit.Key(7)
	first := testkit.Sign(t, priv, "note", nil, []byte("a"))
	second := testkit.Sign(t, priv, "note", []receipt.ID{first.ID()}, []byte("b"))
	third := testkit.Sign(t, priv, "note", []receipt.ID{second.ID()}, []byte("c"))
	addr := servePeer(t, first, second, third)

	cfg := writeConfig(t, "sqlite", "path", filepath.Join(t.TempDir(), "receipts.db"))
	out, err := execute(t, "-c", cfg, "--format", "json", "sync", addr)
	require.NoError(t, err)

	var reports []reportJSON
	require.NoError(t, json.Unmarshal([]byte(out), &reports))
	require.Len(t, reports, 1)
	assert.Equal(t, addr, reports[0].Peer)
	assert.Equal(t, 3, reports[0].Received)
	assert.True(t, reports[0].Converged)
	assert.False(t, reports[0].Deferred)

	// The pulled receipts were persisted.
	out, err = execute(t, "-c", cfg, "--format", "json", "sync", addr)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &reports))
	assert.Equal(t, 0, reports[0].Received)
	assert.True(t, reports[0].Identical)
}

func TestSyncRequiresPeers(t *testing.T) {
	_, err := execute(t, "sync")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no peers")
}
