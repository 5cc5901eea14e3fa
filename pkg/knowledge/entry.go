// Package knowledge is the project knowledge base: durable facts about a
// codebase (build commands, test commands, conventions) learned by one agent
// invocation and fed to later ones. Entries are Markdown files with YAML front
// matter under .potter/knowledge/, one file per key.
package knowledge

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	// ErrNotFound is returned when no entry exists for a key.
	ErrNotFound = errors.New("knowledge: entry not found")
	// ErrInvalidKey is returned for keys outside the allowed alphabet.
	ErrInvalidKey = errors.New("knowledge: invalid key")
)

var keyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// maxKeyLen keeps file names portable.
const maxKeyLen = 128

// ValidateKey reports whether key can name an entry.
func ValidateKey(key string) error {
	if len(key) > maxKeyLen || !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// Source records which task iteration last asserted an entry.
type Source struct {
	TaskID    string `yaml:"task_id,omitempty" json:"task_id,omitempty"`
	Iteration int    `yaml:"iteration,omitempty" json:"iteration,omitempty"`
}

// Meta holds the YAML front matter of an entry file.
type Meta struct {
	Key           string    `yaml:"key"`
	Source        Source    `yaml:"source,omitempty"`
	Confirmations int       `yaml:"confirmations"`
	CreatedAt     time.Time `yaml:"created_at"`
	UpdatedAt     time.Time `yaml:"updated_at"`
}

// Entry is one knowledge base fact.
type Entry struct {
	Meta
	Content string
}

// Stale reports whether the entry has not been written or confirmed for
// longer than after. A zero after disables staleness.
func (e *Entry) Stale(now time.Time, after time.Duration) bool {
	if after <= 0 {
		return false
	}
	return now.Sub(e.UpdatedAt) > after
}
