// Package authkey reads the validator identity keypair used to sign the
// block engine authentication handshake. Generating or managing that
// keypair is out of scope; this package only loads an existing file.
package authkey

import (
	"encoding/json"
	"fmt"
	"os"
)

// Keypair is the minimal shape needed to sign an authentication challenge:
// a public identity and the raw secret bytes. The on-disk format mirrors a
// validator identity JSON file: a flat byte array.
type Keypair struct {
	PublicKey [32]byte
	SecretKey [64]byte
}

// Load reads a keypair from a JSON file containing a 64-byte array, the
// common validator identity file layout: the 64 bytes are the secret key
// encoding, whose last 32 bytes are the public key.
func Load(path string) (*Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keypair file %s: %w", path, err)
	}

	var raw []byte
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse keypair file %s: %w", path, err)
	}
	if len(raw) != 64 {
		return nil, fmt.Errorf("keypair file %s: expected 64 bytes, got %d", path, len(raw))
	}

	kp := &Keypair{}
	copy(kp.SecretKey[:], raw)
	copy(kp.PublicKey[:], raw[32:])
	return kp, nil
}
