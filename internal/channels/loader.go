// Package channels loads and resolves channel definitions from a YAML file.
package channels

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/commentarr/internal/models"
)

// ErrChannelNotFound is returned when a lookup names an unknown channel.
var ErrChannelNotFound = fmt.Errorf("channel not found")

// Definitions holds the channel list parsed from the definitions file.
type Definitions struct {
	Channels []models.Channel `yaml:"channels"`
}

// Store resolves channel names to their definitions. It is safe for
// concurrent use; Reload swaps the whole table atomically.
type Store struct {
	mu       sync.RWMutex
	path     string
	byName   map[string]models.Channel
	channels []models.Channel
}

// Load reads the definitions file and returns a store over its channels.
func Load(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the definitions file. On failure the previous table is
// kept.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("reading channel definitions: %w", err)
	}

	var defs Definitions
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return fmt.Errorf("parsing channel definitions: %w", err)
	}

	byName := make(map[string]models.Channel, len(defs.Channels))
	for _, ch := range defs.Channels {
		if ch.Name == "" {
			return fmt.Errorf("channel definition missing name")
		}
		if _, ok := byName[ch.Name]; ok {
			return fmt.Errorf("duplicate channel definition: %s", ch.Name)
		}
		byName[ch.Name] = ch
	}

	s.mu.Lock()
	s.byName = byName
	s.channels = defs.Channels
	s.mu.Unlock()
	return nil
}

// Lookup returns the channel definition for the given name.
func (s *Store) Lookup(name string) (models.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.byName[name]
	if !ok {
		return models.Channel{}, fmt.Errorf("%w: %s", ErrChannelNotFound, name)
	}
	return ch, nil
}

// All returns every defined channel in file order.
func (s *Store) All() []models.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Channel, len(s.channels))
	copy(out, s.channels)
	return out
}

// Len returns the number of defined channels.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels)
}
