// Package settings holds the node's runtime settings as an atomic
// snapshot. The audio loops re-read the snapshot every frame, so a change
// written through the store takes effect within one frame period without
// any lock held across device I/O.
package settings

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/mveit/intercom/pkg/protocol"
)

// Settings is one immutable snapshot of the node configuration. Copies are
// cheap; never mutate a snapshot obtained from a Store.
type Settings struct {
	Volume     uint8  `yaml:"volume" validate:"lte=100"`
	Muted      bool   `yaml:"muted"`
	DND        bool   `yaml:"dnd"`
	AGCEnabled bool   `yaml:"agc_enabled"`
	Priority   uint8  `yaml:"priority" validate:"lte=2"`
	Room       string `yaml:"room" validate:"required,max=32"`
	Target     string `yaml:"target" validate:"omitempty,ip4_addr"`
}

// TxPriority returns the configured transmit priority, clamped.
func (s Settings) TxPriority() protocol.Priority {
	return protocol.Priority(s.Priority).Clamp()
}

// Default returns the settings a node boots with when no file exists.
func Default() Settings {
	return Settings{
		Volume:     80,
		AGCEnabled: true,
		Priority:   uint8(protocol.PriorityNormal),
		Room:       "default",
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints (volume and priority ranges, room name,
// unicast target shape).
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	return nil
}

// Load reads settings from a YAML file, layered over defaults. A missing
// file is not an error; a malformed or invalid one is.
func Load(path string) (Settings, error) {
	s := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, fmt.Errorf("settings: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Default(), fmt.Errorf("settings: parse %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return Default(), err
	}
	return s, nil
}

// Store publishes settings snapshots to the audio loops.
type Store struct {
	cur atomic.Pointer[Settings]
}

// NewStore creates a store seeded with the given snapshot.
func NewStore(s Settings) *Store {
	st := &Store{}
	st.cur.Store(&s)
	return st
}

// Snapshot returns the current settings by value.
func (st *Store) Snapshot() Settings {
	return *st.cur.Load()
}

// Update applies fn to a copy of the current settings and publishes the
// result if it validates. Concurrent updaters are last-writer-wins; the
// engine is the only writer in practice.
func (st *Store) Update(fn func(*Settings)) error {
	s := st.Snapshot()
	fn(&s)
	if err := s.Validate(); err != nil {
		return err
	}
	st.cur.Store(&s)
	return nil
}
