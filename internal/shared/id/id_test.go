package id

import (
	"strings"
	"sync"
	"testing"
)

func TestGenerate(t *testing.T) {
	gen := NewGenerator()

	id1 := gen.Generate()
	id2 := gen.Generate()

	if id1.String() == id2.String() {
		t.Error("Generated IDs should be unique")
	}
}

func TestGenerateWithPrefix(t *testing.T) {
	gen := NewGenerator()

	for _, prefix := range []string{AppPrefix, RequestPrefix, EnvironmentPrefix, SandboxPrefix} {
		id := gen.GenerateWithPrefix(prefix)

		if !strings.HasPrefix(id, prefix+"_") {
			t.Errorf("ID should start with '%s_', got: %s", prefix, id)
		}
		if !IsValid(id) {
			t.Errorf("prefixed ID should validate: %s", id)
		}
	}
}

func TestTypedConstructors(t *testing.T) {
	if !strings.HasPrefix(NewEnvironmentID().String(), "env_") {
		t.Error("environment ID should carry env prefix")
	}
	if !strings.HasPrefix(NewRequestID().String(), "req_") {
		t.Error("request ID should carry req prefix")
	}
}

func TestTimestamp(t *testing.T) {
	id := NewAppID()

	ts, err := Timestamp(id.String())
	if err != nil {
		t.Fatalf("Timestamp failed: %v", err)
	}
	if ts.IsZero() {
		t.Error("timestamp should not be zero")
	}
}

func TestConcurrentGeneration(t *testing.T) {
	gen := NewGenerator()
	seen := sync.Map{}
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := gen.GenerateString()
			if _, loaded := seen.LoadOrStore(id, true); loaded {
				t.Errorf("duplicate ID generated: %s", id)
			}
		}()
	}
	wg.Wait()
}
