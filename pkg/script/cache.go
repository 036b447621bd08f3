package script

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultSourceCacheSize  = 1024
	DefaultProgramCacheSize = 1024

	// Sources up to this length are keyed by an escaped copy of their text.
	literalKeyMax = 48
)

// SourceKey identifies the synthesized source of one component version.
type SourceKey struct {
	ComponentType string
	Hash          string
	Version       string
}

func (k SourceKey) String() string {
	return k.ComponentType + ":" + k.Hash + ":" + k.Version
}

// SourceCache keeps generated script source per component version.
type SourceCache struct {
	entries *lru.Cache[SourceKey, string]
}

func NewSourceCache(size int, logger *slog.Logger) (*SourceCache, error) {
	if size <= 0 {
		size = DefaultSourceCacheSize
	}

	entries, err := lru.NewWithEvict(size, func(key SourceKey, _ string) {
		logger.Debug("evicted script source", "key", key.String())
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create source cache: %w", err)
	}

	return &SourceCache{entries: entries}, nil
}

func (c *SourceCache) Get(key SourceKey) (string, bool) {
	return c.entries.Get(key)
}

func (c *SourceCache) Add(key SourceKey, source string) {
	c.entries.Add(key, source)
}

func (c *SourceCache) Len() int { return c.entries.Len() }

func (c *SourceCache) Purge() { c.entries.Purge() }

// ProgramKey derives the compiled-program cache key from source text.
// Short sources map to an escaped identifier, long ones to a digest.
func ProgramKey(source string) string {
	if len(source) <= literalKeyMax {
		var b strings.Builder

		b.WriteString("s_")

		for i := 0; i < len(source); i++ {
			c := source[i]
			if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
				b.WriteByte(c)
			} else {
				fmt.Fprintf(&b, "_%02x", c)
			}
		}

		return b.String()
	}

	sum := sha256.Sum256([]byte(source))

	return "h_" + hex.EncodeToString(sum[:])
}

// ProgramCache keeps compiled programs keyed by ProgramKey. Concurrent
// compiles of the same source are collapsed, and failures are not stored.
type ProgramCache struct {
	entries  *lru.Cache[string, Program]
	compiles singleflight.Group
}

func NewProgramCache(size int, logger *slog.Logger) (*ProgramCache, error) {
	if size <= 0 {
		size = DefaultProgramCacheSize
	}

	entries, err := lru.NewWithEvict(size, func(key string, _ Program) {
		logger.Debug("evicted compiled script", "key", key)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create program cache: %w", err)
	}

	return &ProgramCache{entries: entries}, nil
}

func (c *ProgramCache) GetOrCompile(source string, compile func(string) (Program, error)) (Program, error) {
	key := ProgramKey(source)

	if program, ok := c.entries.Get(key); ok {
		return program, nil
	}

	value, err, _ := c.compiles.Do(key, func() (any, error) {
		if program, ok := c.entries.Get(key); ok {
			return program, nil
		}

		program, err := compile(source)
		if err != nil {
			return nil, err
		}

		c.entries.Add(key, program)

		return program, nil
	})
	if err != nil {
		return nil, err
	}

	return value.(Program), nil
}

func (c *ProgramCache) Contains(source string) bool {
	return c.entries.Contains(ProgramKey(source))
}

func (c *ProgramCache) Len() int { return c.entries.Len() }

func (c *ProgramCache) Purge() { c.entries.Purge() }
