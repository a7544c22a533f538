// Package identity: the peer's persisted user id and RSA keypair.
package identity

import (
	"crypto/rsa"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"dev.c0redev.rdlink/internal/crypto"
	"dev.c0redev.rdlink/internal/idwords"
)

const (
	keyFile = "identity.pem"
	idFile  = "user_id"
)

// Identity: who this peer is to the directory and to other peers.
type Identity struct {
	UserID string
	Key    *rsa.PrivateKey
}

// PublicKeyDER PKIX DER of the public half, as sent in RegisterPeer.
func (id *Identity) PublicKeyDER() ([]byte, error) {
	return crypto.MarshalPublicKey(&id.Key.PublicKey)
}

// Load loads or generates identity.pem and user_id in dataDir. userID, when
// set, overrides (and replaces) the persisted id.
func Load(dataDir, userID string) (*Identity, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, err
	}
	key, err := LoadKey(filepath.Join(dataDir, keyFile))
	if err != nil {
		return nil, err
	}
	id, err := loadUserID(filepath.Join(dataDir, idFile), userID)
	if err != nil {
		return nil, err
	}
	return &Identity{UserID: id, Key: key}, nil
}

// LoadKey loads the PKCS#1 PEM key at path, generating and saving one when missing.
func LoadKey(path string) (*rsa.PrivateKey, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		return crypto.DecodePrivateKeyPEM(b)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, crypto.EncodePrivateKeyPEM(key), 0600); err != nil {
		return nil, err
	}
	return key, nil
}

func loadUserID(path, override string) (string, error) {
	if override = strings.TrimSpace(override); override != "" {
		return override, os.WriteFile(path, []byte(override), 0600)
	}
	b, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	id, err := idwords.Generate()
	if err != nil {
		return "", err
	}
	return id, os.WriteFile(path, []byte(id), 0600)
}
