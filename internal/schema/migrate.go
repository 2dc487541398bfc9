package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// MigrationStep turns a document of version v into version v+1.
type MigrationStep func(doc map[string]any) (map[string]any, error)

// Collection describes one persisted collection: its current document
// version and the steps that bring older documents up to it. Steps are keyed
// by the version they migrate from.
type Collection struct {
	Name       string
	Version    int
	Migrations map[int]MigrationStep
}

var (
	Entries = Collection{
		Name:    "entries",
		Version: 1,
		Migrations: map[int]MigrationStep{
			0: entryV0ToV1,
		},
	}
	Jobs = Collection{Name: "jobs", Version: 0}
	Logs = Collection{Name: "logs", Version: 0}
)

// Upgrade applies every step from version up to c.Version.
func (c Collection) Upgrade(version int, doc map[string]any) (map[string]any, error) {
	if version > c.Version {
		return nil, fmt.Errorf("%s: document version %d is newer than supported version %d", c.Name, version, c.Version)
	}
	for v := version; v < c.Version; v++ {
		step, ok := c.Migrations[v]
		if !ok {
			return nil, fmt.Errorf("%s: no migration from version %d", c.Name, v)
		}
		next, err := step(doc)
		if err != nil {
			return nil, fmt.Errorf("%s: migrating %d -> %d: %w", c.Name, v, v+1, err)
		}
		doc = next
	}
	return doc, nil
}

// Decode parses a stored document of the given version into T, migrating it
// first when it is older than the collection. Unknown fields are rejected.
func Decode[T any](c Collection, version int, raw []byte) (T, error) {
	var out T
	if version != c.Version {
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return out, fmt.Errorf("%s: decoding v%d document: %w", c.Name, version, err)
		}
		doc, err := c.Upgrade(version, doc)
		if err != nil {
			return out, err
		}
		if raw, err = json.Marshal(doc); err != nil {
			return out, fmt.Errorf("%s: re-encoding migrated document: %w", c.Name, err)
		}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("%s: decoding document: %w", c.Name, err)
	}
	return out, nil
}

// entryV0ToV1 converts asyncControl.enrichedAt from an ISO-8601 string to
// epoch milliseconds and defaults a missing audio status to "done".
func entryV0ToV1(doc map[string]any) (map[string]any, error) {
	ac, _ := doc["asyncControl"].(map[string]any)
	if ac == nil {
		ac = map[string]any{}
		doc["asyncControl"] = ac
	}
	if s, ok := ac["enrichedAt"].(string); ok {
		if s == "" {
			delete(ac, "enrichedAt")
		} else {
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return nil, fmt.Errorf("parsing enrichedAt %q: %w", s, err)
			}
			ac["enrichedAt"] = t.UnixMilli()
		}
	}
	if _, ok := ac["audioConvertingToEntryText"]; !ok {
		ac["audioConvertingToEntryText"] = string(AudioDone)
	}
	if _, ok := doc["updatedAt"]; !ok {
		doc["updatedAt"] = doc["createdAt"]
	}
	if doc["givenContext"] == nil {
		doc["givenContext"] = []any{}
	}
	return doc, nil
}
