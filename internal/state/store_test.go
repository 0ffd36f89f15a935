package state

import (
	"errors"
	"os"
	"sync"
	"testing"
)

func testEntry(key string, port int) Entry {
	return Entry{
		Key:        key,
		Kind:       "database",
		AccountID:  "111111111111",
		Region:     "eu-west-1",
		Name:       "orders-db",
		Hostname:   "orders-db.prod.internal",
		HostsIP:    "127.0.0.1",
		LocalPort:  port,
		RemotePort: 5432,
		SessionID:  "sess-" + key,
		PluginPID:  1234,
		OwnerPID:   os.Getpid(),
	}
}

func TestRegisterAndList(t *testing.T) {
	s := NewMemory()

	if err := s.Register(testEntry("b", 16385)); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := s.Register(testEntry("a", 16384)); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	got := s.List()
	if len(got) != 2 {
		t.Fatalf("List() = %d entries, want 2", len(got))
	}
	if got[0].Key != "a" || got[1].Key != "b" {
		t.Errorf("List() not ordered by key: %v, %v", got[0].Key, got[1].Key)
	}
}

func TestRegisterDuplicateKeyFails(t *testing.T) {
	s := NewMemory()

	if err := s.Register(testEntry("t1", 16384)); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	err := s.Register(testEntry("t1", 16385))
	if err == nil {
		t.Fatal("second Register() for same target succeeded, want error")
	}
	if !errors.Is(err, ErrAlreadyLive) {
		t.Errorf("Register() error = %v, want ErrAlreadyLive", err)
	}
}

func TestUnregisterUnknownKeyIsNoop(t *testing.T) {
	s := NewMemory()
	if err := s.Unregister("never-registered"); err != nil {
		t.Fatalf("Unregister() error = %v", err)
	}
}

func TestPerTargetLockSerializes(t *testing.T) {
	s := NewMemory()

	const n = 16
	registered := 0
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(port int) {
			defer wg.Done()
			s.Lock("t1")
			defer s.Unlock("t1")
			if _, live := s.Get("t1"); live {
				return // idempotent path
			}
			if err := s.Register(testEntry("t1", port)); err != nil {
				t.Errorf("Register() error = %v", err)
				return
			}
			registered++
		}(16384 + i)
	}
	wg.Wait()

	if registered != 1 {
		t.Errorf("registered %d times, want exactly 1", registered)
	}
	if len(s.List()) != 1 {
		t.Errorf("List() = %d entries, want 1", len(s.List()))
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	e := testEntry("db/111111111111/eu-west-1/orders", 16384)
	if err := s.Register(e); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	persisted, err := s.Persisted()
	if err != nil {
		t.Fatalf("Persisted() error = %v", err)
	}
	if len(persisted) != 1 {
		t.Fatalf("Persisted() = %d records, want 1", len(persisted))
	}
	got := persisted[0]
	if got.Key != e.Key || got.LocalPort != e.LocalPort || got.SessionID != e.SessionID || got.OwnerPID != e.OwnerPID {
		t.Errorf("persisted record mismatch: %+v", got)
	}

	if err := s.Unregister(e.Key); err != nil {
		t.Fatalf("Unregister() error = %v", err)
	}
	persisted, err = s.Persisted()
	if err != nil {
		t.Fatalf("Persisted() error = %v", err)
	}
	if len(persisted) != 0 {
		t.Errorf("Persisted() after Unregister = %d records, want 0", len(persisted))
	}
}

func TestDeletePersistedLeavesMemoryAlone(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	e := testEntry("t1", 16384)
	if err := s.Register(e); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := s.DeletePersisted("t1"); err != nil {
		t.Fatalf("DeletePersisted() error = %v", err)
	}
	if _, live := s.Get("t1"); !live {
		t.Error("in-memory entry removed by DeletePersisted")
	}
}

func TestSettings(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	if _, err := s.GetSetting("fernet_key"); err == nil {
		t.Error("GetSetting() on missing key succeeded, want error")
	}
	if err := s.SetSetting("fernet_key", "abc"); err != nil {
		t.Fatalf("SetSetting() error = %v", err)
	}
	if err := s.SetSetting("fernet_key", "def"); err != nil {
		t.Fatalf("SetSetting() overwrite error = %v", err)
	}
	v, err := s.GetSetting("fernet_key")
	if err != nil {
		t.Fatalf("GetSetting() error = %v", err)
	}
	if v != "def" {
		t.Errorf("GetSetting() = %q, want def", v)
	}
}
