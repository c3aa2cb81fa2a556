package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"xdao.co/receipts/receipt"
)

const (
	rootKeyFile = "root.key"
	rolesDir    = "roles"
	keySuffix   = ".key"
)

var validName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// KeyStore keeps Ed25519 seeds under Directory:
//
//	<identifier>/root.key
//	<identifier>/roles/<role>.key
//
// Each file holds one hex seed and is created 0600.
type KeyStore struct {
	Directory string
}

// KeyEntry describes one identifier in the store.
type KeyEntry struct {
	Identifier string
	Author     receipt.Author
	Roles      []string
}

// DefaultDirectory is ~/.receipts/keys.
func DefaultDirectory() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".receipts", "keys"), nil
}

// CreateKeyStore opens a key store at directory, or at DefaultDirectory when
// it is empty. Nothing is created until a key is written.
func CreateKeyStore(directory string) (*KeyStore, error) {
	if directory == "" {
		d, err := DefaultDirectory()
		if err != nil {
			return nil, err
		}
		directory = d
	}
	return &KeyStore{Directory: directory}, nil
}

func CheckKeyName(identifier string) error { return checkName("identifier", identifier) }

func CheckRole(role string) error { return checkName("role", role) }

func checkName(what, s string) error {
	if s == "" {
		return fmt.Errorf("keys: %s cannot be empty", what)
	}
	if !validName.MatchString(s) {
		return fmt.Errorf("keys: %s %q may only contain letters, digits, '-' and '_'", what, s)
	}
	return nil
}

// ParseSeedHex decodes a 32-byte seed, tolerating surrounding space and a 0x
// prefix.
func ParseSeedHex(seedHex string) ([]byte, error) {
	s := strings.TrimPrefix(strings.TrimSpace(seedHex), "0x")
	seed, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("keys: seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("keys: seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	return seed, nil
}

// keyRef names one key file. An empty role is the root key.
type keyRef struct {
	identifier string
	role       string
}

func (r keyRef) validate() error {
	if err := CheckKeyName(r.identifier); err != nil {
		return err
	}
	if r.role == "" {
		return nil
	}
	return CheckRole(r.role)
}

func (ks *KeyStore) path(r keyRef) string {
	if r.role == "" {
		return filepath.Join(ks.Directory, r.identifier, rootKeyFile)
	}
	return filepath.Join(ks.Directory, r.identifier, rolesDir, r.role+keySuffix)
}

// put writes seed for r and returns its author. The file appears complete or
// not at all; without overwrite an existing key is left untouched.
func (ks *KeyStore) put(r keyRef, seed []byte, overwrite bool) (receipt.Author, string, error) {
	author, err := AuthorFromSeed(seed)
	if err != nil {
		return receipt.Author{}, "", err
	}
	path := ks.path(r)
	if err := writeSeed(path, seed, overwrite); err != nil {
		return receipt.Author{}, "", err
	}
	return author, path, nil
}

func writeSeed(path string, seed []byte, overwrite bool) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".seed-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(hex.EncodeToString(seed) + "\n"); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if overwrite {
		return os.Rename(tmp.Name(), path)
	}
	if err := os.Link(tmp.Name(), path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("keys: %s already exists", path)
		}
		return err
	}
	return nil
}

func readSeed(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSeedHex(string(b))
}

func (ks *KeyStore) get(r keyRef) ([]byte, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	return readSeed(ks.path(r))
}

// InitializeRootKey stores seed as the root key of identifier. A nil seed
// generates a fresh one.
func (ks *KeyStore) InitializeRootKey(identifier string, seed []byte, overwrite bool) (receipt.Author, string, error) {
	ref := keyRef{identifier: identifier}
	if err := ref.validate(); err != nil {
		return receipt.Author{}, "", err
	}
	if seed == nil {
		seed = make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return receipt.Author{}, "", err
		}
	}
	return ks.put(ref, seed, overwrite)
}

// DeriveKeyFromRole derives and stores the role key of identifier from its
// root key.
func (ks *KeyStore) DeriveKeyFromRole(identifier, role string, overwrite bool) (receipt.Author, string, error) {
	ref := keyRef{identifier: identifier, role: role}
	if err := ref.validate(); err != nil {
		return receipt.Author{}, "", err
	}
	root, err := ks.get(keyRef{identifier: identifier})
	if err != nil {
		return receipt.Author{}, "", err
	}
	seed, err := DeriveRoleSeed(root, role)
	if err != nil {
		return receipt.Author{}, "", err
	}
	return ks.put(ref, seed, overwrite)
}

// ExportAuthor returns the public identity of a stored key. An empty role
// selects the root key.
func (ks *KeyStore) ExportAuthor(identifier, role string) (receipt.Author, error) {
	seed, err := ks.get(keyRef{identifier: identifier, role: role})
	if err != nil {
		return receipt.Author{}, err
	}
	return AuthorFromSeed(seed)
}

// Signer loads a stored key for signing.
func (ks *KeyStore) Signer(identifier, role string) (*Signer, error) {
	seed, err := ks.get(keyRef{identifier: identifier, role: role})
	if err != nil {
		return nil, err
	}
	return NewSigner(seed)
}

// LoadSeed resolves a seed from the first source given: a hex string, a key
// file, or a stored identifier and optional role.
func (ks *KeyStore) LoadSeed(seedHex, identifier, role, keyFile string) ([]byte, error) {
	switch {
	case seedHex != "":
		return ParseSeedHex(seedHex)
	case keyFile != "":
		return readSeed(keyFile)
	case identifier != "":
		return ks.get(keyRef{identifier: identifier, role: role})
	default:
		return nil, errors.New("keys: no signer provided")
	}
}

// ListKeys returns every identifier with a readable root key, sorted, with
// its derived roles.
func (ks *KeyStore) ListKeys() ([]KeyEntry, error) {
	roots, err := filepath.Glob(filepath.Join(ks.Directory, "*", rootKeyFile))
	if err != nil {
		return nil, err
	}
	sort.Strings(roots)

	var out []KeyEntry
	for _, root := range roots {
		seed, err := readSeed(root)
		if err != nil {
			continue
		}
		author, err := AuthorFromSeed(seed)
		if err != nil {
			return nil, err
		}
		dir := filepath.Dir(root)
		files, err := filepath.Glob(filepath.Join(dir, rolesDir, "*"+keySuffix))
		if err != nil {
			return nil, err
		}
		var roles []string
		for _, f := range files {
			roles = append(roles, strings.TrimSuffix(filepath.Base(f), keySuffix))
		}
		sort.Strings(roles)
		out = append(out, KeyEntry{Identifier: filepath.Base(dir), Author: author, Roles: roles})
	}
	return out, nil
}
