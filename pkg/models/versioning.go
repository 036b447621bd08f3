package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Pointer versions name a moving alias instead of an immutable release.
const (
	VersionSnapshot = "SNAPSHOT"
	VersionLatest   = "LATEST"
	VersionActive   = "ACTIVE"
)

// EntityTag classifies stored rows; it prefixes invalidation messages.
type EntityTag string

const (
	EntityNode     EntityTag = "NODE"
	EntityWorkflow EntityTag = "WORKFLOW"
	EntityIssue    EntityTag = "ISSUE"
	EntityEnum     EntityTag = "ENUM"
)

func (t EntityTag) Valid() bool {
	switch t {
	case EntityNode, EntityWorkflow, EntityIssue, EntityEnum:
		return true
	default:
		return false
	}
}

// RowKey addresses one version of an entity: "<id>_<version>".
func RowKey(id, version string) string {
	return id + "_" + version
}

// ParseRowKey splits a row key on its last underscore, so ids may contain
// underscores but versions may not.
func ParseRowKey(key string) (id, version string, ok bool) {
	idx := strings.LastIndexByte(key, '_')
	if idx <= 0 || idx == len(key)-1 {
		return "", "", false
	}

	return key[:idx], key[idx+1:], true
}

func IsPointerVersion(version string) bool {
	return version == VersionSnapshot || version == VersionLatest || version == VersionActive
}

// ParseIntegerVersion accepts only positive release numbers.
func ParseIntegerVersion(version string) (int, bool) {
	n, err := strconv.Atoi(version)
	if err != nil || n < 1 {
		return 0, false
	}

	return n, true
}

// DocumentVersion reads the "version" field of a stored JSON document.
func DocumentVersion(data []byte) (string, error) {
	var peek struct {
		Version json.RawMessage `json:"version"`
	}

	err := json.Unmarshal(data, &peek)
	if err != nil {
		return "", fmt.Errorf("failed to read document version: %w", err)
	}

	if len(peek.Version) == 0 {
		return "", nil
	}

	var s string
	if json.Unmarshal(peek.Version, &s) == nil {
		return s, nil
	}

	var n int
	if json.Unmarshal(peek.Version, &n) == nil {
		return strconv.Itoa(n), nil
	}

	return "", fmt.Errorf("unsupported version field %s", peek.Version)
}

// WithDocumentVersion returns a copy of a stored JSON object with its
// "version" field replaced.
func WithDocumentVersion(data []byte, version string) ([]byte, error) {
	doc := map[string]json.RawMessage{}

	err := json.Unmarshal(data, &doc)
	if err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}

	encoded, err := json.Marshal(version)
	if err != nil {
		return nil, err
	}

	doc["version"] = encoded

	return json.Marshal(doc)
}
