package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mveit/intercom/pkg/protocol"
)

func TestValidateBounds(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr bool
	}{
		{"defaults", func(s *Settings) {}, false},
		{"volume max", func(s *Settings) { s.Volume = 100 }, false},
		{"volume over", func(s *Settings) { s.Volume = 101 }, true},
		{"priority emergency", func(s *Settings) { s.Priority = 2 }, false},
		{"priority over", func(s *Settings) { s.Priority = 3 }, true},
		{"empty room", func(s *Settings) { s.Room = "" }, true},
		{"target ip", func(s *Settings) { s.Target = "192.168.1.40" }, false},
		{"target garbage", func(s *Settings) { s.Target = "not-an-ip" }, true},
		{"target empty means multicast", func(s *Settings) { s.Target = "" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Default()
			tt.mutate(&s)
			err := s.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s != Default() {
		t.Errorf("got %+v, want defaults", s)
	}
}

func TestLoadLayersOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	data := "volume: 55\ndnd: true\nroom: kitchen\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Volume != 55 || !s.DND || s.Room != "kitchen" {
		t.Errorf("loaded %+v", s)
	}
	if !s.AGCEnabled {
		t.Error("unset field lost its default")
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte("volume: 250\nroom: x\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load of out-of-range volume: want error")
	}
}

func TestStoreSnapshotIsolation(t *testing.T) {
	st := NewStore(Default())

	snap := st.Snapshot()
	snap.Volume = 5 // local copy only

	if st.Snapshot().Volume != Default().Volume {
		t.Error("mutating a snapshot leaked into the store")
	}
}

func TestStoreUpdate(t *testing.T) {
	st := NewStore(Default())

	if err := st.Update(func(s *Settings) { s.Volume = 42; s.Muted = true }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got := st.Snapshot()
	if got.Volume != 42 || !got.Muted {
		t.Errorf("snapshot after update = %+v", got)
	}

	// An invalid update must not be published.
	if err := st.Update(func(s *Settings) { s.Priority = 9 }); err == nil {
		t.Fatal("invalid update accepted")
	}
	if st.Snapshot().Priority != Default().Priority {
		t.Error("invalid update leaked into the store")
	}
}

func TestTxPriorityClamps(t *testing.T) {
	s := Default()
	s.Priority = 2
	if s.TxPriority() != protocol.PriorityEmergency {
		t.Errorf("TxPriority = %v, want Emergency", s.TxPriority())
	}
}
