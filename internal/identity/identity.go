// Package identity: persisted client id (CLIENT-ID) and default client name.
package identity

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"dev.c0redev.ddmq/internal/idwords"
)

// Identity: client id + human-readable name, persisted as "<uuid> <name>".
type Identity struct {
	mu   sync.Mutex
	id   uuid.UUID
	name string
	path string
}

// LoadOrCreate reads path or generates a new identity and writes it (0600).
// Empty path -> ephemeral identity, nothing written.
func LoadOrCreate(path string) (*Identity, error) {
	n := &Identity{path: path}
	if err := n.load(); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *Identity) load() error {
	if n.path != "" {
		b, err := os.ReadFile(n.path)
		switch {
		case err == nil:
			return n.parse(string(b))
		case !errors.Is(err, fs.ErrNotExist):
			return err
		}
	}
	n.mu.Lock()
	n.id = uuid.New()
	n.name = idwords.Generate(idwords.DefaultWords)
	n.mu.Unlock()
	if n.path == "" {
		return nil
	}
	if dir := filepath.Dir(n.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	return os.WriteFile(n.path, []byte(n.id.String()+" "+n.name+"\n"), 0o600)
}

func (n *Identity) parse(s string) error {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return fmt.Errorf("identity: %s is empty", n.path)
	}
	id, err := uuid.Parse(fields[0])
	if err != nil {
		return fmt.Errorf("identity: %s: %w", n.path, err)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.id = id
	if len(fields) > 1 {
		n.name = fields[1]
	} else {
		n.name = idwords.Generate(idwords.DefaultWords)
	}
	return nil
}

// ID returns the client id.
func (n *Identity) ID() uuid.UUID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.id
}

// Name returns the persisted or generated client name.
func (n *Identity) Name() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.name
}
