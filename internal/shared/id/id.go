// Package id provides centralized ID generation for the runtime.
//
// IDs are ULIDs with a type prefix (env_*, req_*, app_*) so logs stay
// readable and an ID can never be passed where another kind is expected.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// AppID identifies a generated application.
type AppID string

// RequestID identifies one in-flight sandbox data request.
type RequestID string

// EnvironmentID identifies a provisioned execution environment.
type EnvironmentID string

// SandboxID identifies one sandbox session bound to a bridge.
type SandboxID string

const (
	AppPrefix         = "app"
	RequestPrefix     = "req"
	EnvironmentPrefix = "env"
	SandboxPrefix     = "sbx"
)

// Generator generates prefixed ULIDs.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the shared generator instance.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand entropy.
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source,
// useful for deterministic tests.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string.
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// NewAppID generates a new application ID.
func NewAppID() AppID {
	return AppID(Default().GenerateWithPrefix(AppPrefix))
}

// NewRequestID generates a new request ID.
func NewRequestID() RequestID {
	return RequestID(Default().GenerateWithPrefix(RequestPrefix))
}

// NewEnvironmentID generates a new environment ID.
func NewEnvironmentID() EnvironmentID {
	return EnvironmentID(Default().GenerateWithPrefix(EnvironmentPrefix))
}

// NewSandboxID generates a new sandbox session ID.
func NewSandboxID() SandboxID {
	return SandboxID(Default().GenerateWithPrefix(SandboxPrefix))
}

func (id AppID) String() string         { return string(id) }
func (id RequestID) String() string     { return string(id) }
func (id EnvironmentID) String() string { return string(id) }
func (id SandboxID) String() string     { return string(id) }

// IsValid checks if a string is a bare or prefixed ULID.
func IsValid(id string) bool {
	if i := strings.LastIndexByte(id, '_'); i >= 0 {
		id = id[i+1:]
	}
	_, err := ulid.Parse(id)
	return err == nil
}

// Timestamp extracts the creation time from a bare or prefixed ULID.
func Timestamp(id string) (time.Time, error) {
	if i := strings.LastIndexByte(id, '_'); i >= 0 {
		id = id[i+1:]
	}
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
