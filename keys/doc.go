// Package keys manages the Ed25519 keys that author receipts.
//
// Keys are stored as hex seeds on the local filesystem, one root key per
// identity plus role keys derived from it with HKDF. A role key is an
// independent author: receipts it signs carry its own public key, so a
// compromised role key never exposes the root.
package keys
