// Package identity manages the client keypair sshpod presents to the
// in-container daemon. The keypair lives in the user's cache directory;
// losing it costs nothing but a re-provisioned authorized_keys line.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gossh "golang.org/x/crypto/ssh"

	"github.com/sshpod/sshpod/logger"
)

const (
	privateKeyName = "id_ed25519"
	publicKeyName  = "id_ed25519.pub"
	keyComment     = "sshpod"
)

// Identity is a loaded client keypair.
type Identity struct {
	// PrivateKeyPath is handed to the SSH client via IdentityFile.
	PrivateKeyPath string

	// AuthorizedKey is the single-line public key the provisioner appends
	// to the container's authorized_keys.
	AuthorizedKey string

	Signer gossh.Signer
}

// DefaultDir returns the directory the keypair lives in.
func DefaultDir() (string, error) {
	cache, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolving user cache directory: %w", err)
	}
	return filepath.Join(cache, "sshpod"), nil
}

// Load reads an existing keypair from dir.
func Load(dir string) (*Identity, error) {
	keyPath := filepath.Join(dir, privateKeyName)
	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}

	signer, err := gossh.ParsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing private key %s: %w", keyPath, err)
	}

	return &Identity{
		PrivateKeyPath: keyPath,
		AuthorizedKey:  authorizedLine(signer.PublicKey()),
		Signer:         signer,
	}, nil
}

// Ensure loads the keypair, generating and persisting a fresh ed25519 pair
// on first use.
func Ensure(l logger.Logger, dir string) (*Identity, error) {
	id, err := Load(dir)
	if err == nil {
		return id, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating identity directory %s: %w", dir, err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating keypair: %w", err)
	}

	block, err := gossh.MarshalPrivateKey(priv, keyComment)
	if err != nil {
		return nil, fmt.Errorf("encoding private key: %w", err)
	}

	keyPath := filepath.Join(dir, privateKeyName)
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("writing private key %s: %w", keyPath, err)
	}

	sshPub, err := gossh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}
	pubLine := authorizedLine(sshPub)
	if err := os.WriteFile(filepath.Join(dir, publicKeyName), []byte(pubLine+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("writing public key: %w", err)
	}

	signer, err := gossh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("loading generated key: %w", err)
	}

	l.Info("generated new client keypair in %s", dir)
	return &Identity{PrivateKeyPath: keyPath, AuthorizedKey: pubLine, Signer: signer}, nil
}

func authorizedLine(pub gossh.PublicKey) string {
	return strings.TrimSpace(string(gossh.MarshalAuthorizedKey(pub))) + " " + keyComment
}
