package rhmq

import (
	"reflect"
	"testing"
)

func newTestRegistry(t *testing.T, logger Logger) *Registry {
	t.Helper()
	r := NewRegistry(RegistryLoggerOption(logger))
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRegistry_GetReturnsSameContext(t *testing.T) {
	r := newTestRegistry(t, &mockLogger{})

	a := r.Get("A")
	if a == nil {
		t.Fatal("Get returned nil")
	}
	if r.Get("A") != a {
		t.Error("Get(A) returned a different context on second call")
	}
	if r.Get("B") == a {
		t.Error("Get(B) returned the context registered as A")
	}
	if a.Name() != "A" {
		t.Errorf("name = %q, want A", a.Name())
	}
}

func TestRegistry_EmptyNameIsDefault(t *testing.T) {
	r := newTestRegistry(t, &mockLogger{})

	c := r.Get("")
	if c != r.Get(DefaultName) {
		t.Error("empty name did not select the default context")
	}
	if c.Name() != DefaultName {
		t.Errorf("name = %q, want %q", c.Name(), DefaultName)
	}
}

func TestRegistry_InheritsConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConnectTimeoutS = 2
	r := NewRegistry(RegistryConfigOption(cfg))
	t.Cleanup(func() { _ = r.Close() })

	s := r.CreateSocket("cfg")
	if s.Timeout().Seconds() != 2 {
		t.Errorf("timeout = %v, want 2s", s.Timeout())
	}
	if s.Context() != r.Get("cfg") {
		t.Error("socket not owned by the named context")
	}
}

func TestRegistry_AdoptReplaces(t *testing.T) {
	logger := &mockLogger{}
	r := newTestRegistry(t, logger)

	previous := r.Get("shared")
	adopted := NewContext("external")
	t.Cleanup(func() { _ = previous.Close() })

	r.Adopt("shared", adopted)

	if r.Get("shared") != adopted {
		t.Error("adopted context was not installed")
	}
	if logger.warnCount("replacing existing context") != 1 {
		t.Error("expected a warning when replacing a context")
	}

	r.Adopt("shared", adopted)
	if logger.warnCount("replacing existing context") != 1 {
		t.Error("re-adopting the same context should not warn")
	}
}

func TestRegistry_AdoptUsesContextName(t *testing.T) {
	r := newTestRegistry(t, &mockLogger{})

	c := NewContext("own")
	r.Adopt("", c)
	r.Adopt("ignored", nil)

	if r.Get("own") != c {
		t.Error("context not registered under its own name")
	}
	if got := r.Names(); !reflect.DeepEqual(got, []string{"own"}) {
		t.Errorf("names = %v, want [own]", got)
	}
}

func TestRegistry_NamesSorted(t *testing.T) {
	r := newTestRegistry(t, &mockLogger{})

	r.Get("zeta")
	r.Get("alpha")
	r.Get("")

	want := []string{DefaultName, "alpha", "zeta"}
	if got := r.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("names = %v, want %v", got, want)
	}
}

func TestRegistry_Close(t *testing.T) {
	r := newTestRegistry(t, &mockLogger{})

	c := r.Get("closing")
	s := c.CreateSocket(ConnectTimeoutOption(NoConnect))
	if err := s.Init(Push, "inproc://registry-close", NoMonitor); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if len(r.Names()) != 0 {
		t.Errorf("names = %v, want empty", r.Names())
	}
	if s.Opened() {
		t.Error("socket still open after registry close")
	}
	if r.Get("closing") == c {
		t.Error("closed context still registered")
	}
}
