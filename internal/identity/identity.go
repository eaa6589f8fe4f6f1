// Package identity manages the local player identity file. A player is
// an opaque generated id plus a display name; there is no password and
// no server-side account.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var ErrInvalidName = errors.New("display name must be 1-24 characters")

// Identity is the persisted local player record.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

const identityFile = "identity.json"

// Dir returns the per-user state directory, creating it if needed.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	dir := filepath.Join(home, ".moonrush")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	return dir, nil
}

// Load reads the identity file, generating and persisting a fresh
// identity on first run. The supplied name is only used when a new
// identity is created; pass "" to keep a placeholder.
func Load(name string) (Identity, error) {
	dir, err := Dir()
	if err != nil {
		return Identity{}, err
	}
	path := filepath.Join(dir, identityFile)

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		var id Identity
		if err := json.Unmarshal(raw, &id); err != nil {
			return Identity{}, fmt.Errorf("parse %s: %w", path, err)
		}
		if id.UserID == "" {
			return Identity{}, fmt.Errorf("parse %s: missing user_id", path)
		}
		return id, nil
	case os.IsNotExist(err):
		id := Identity{UserID: uuid.NewString(), DisplayName: name}
		if id.DisplayName == "" {
			id.DisplayName = "trader-" + id.UserID[:8]
		}
		if err := save(path, id); err != nil {
			return Identity{}, err
		}
		return id, nil
	default:
		return Identity{}, fmt.Errorf("read %s: %w", path, err)
	}
}

// Rename updates the display name and persists it.
func Rename(name string) (Identity, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 24 {
		return Identity{}, ErrInvalidName
	}
	id, err := Load("")
	if err != nil {
		return Identity{}, err
	}
	id.DisplayName = name
	dir, err := Dir()
	if err != nil {
		return Identity{}, err
	}
	if err := save(filepath.Join(dir, identityFile), id); err != nil {
		return Identity{}, err
	}
	return id, nil
}

func save(path string, id Identity) error {
	raw, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
