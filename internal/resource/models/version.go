package models

import (
	"encoding/json"
	"time"
)

// Period is the half-open validity interval [Lower, Upper) of a version.
// A nil Upper means the version is current.
type Period struct {
	Lower time.Time  `json:"lower"`
	Upper *time.Time `json:"upper,omitempty"`
}

// Contains reports whether t falls within the period.
func (p Period) Contains(t time.Time) bool {
	if t.Before(p.Lower) {
		return false
	}
	return p.Upper == nil || t.Before(*p.Upper)
}

// Version is an immutable snapshot of a resource at one sequential number.
type Version struct {
	PK         int64
	ModelName  string
	ModelPK    int64
	Sequential int
	Data       json.RawMessage
	Period     Period
	Flags      []Flag
}

// Decode unmarshals the snapshot into a generic map.
func (v *Version) Decode() (map[string]any, error) {
	out := map[string]any{}
	if len(v.Data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(v.Data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Flag records that a client vouched for a version.
type Flag struct {
	PK              int64     `json:"-"`
	VersionPK       int64     `json:"-"`
	SessionPK       int64     `json:"-"`
	ClientPK        int64     `json:"-"`
	ClientName      string    `json:"client,omitempty"`
	ContributorType string    `json:"contributor_type,omitempty"`
	CreatedAt       time.Time `json:"at"`
}

// FieldChange is one entry of a diff: the rendered old and new values.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Diff is the change event of one committed version. Diff PKs form the
// public increment sequence consumed by downstream mirrors.
type Diff struct {
	PK           int64
	ResourceName string
	ResourceID   string
	ResourcePK   int64
	OldVersionPK *int64
	NewVersionPK int64
	Changes      map[string]FieldChange
	CreatedAt    time.Time

	// Populated on read when listing diffs.
	Old *Version
	New *Version
}

// Redirect maps a former identifier value to a live resource PK.
type Redirect struct {
	PK         int64
	ModelName  string
	Identifier string
	Value      string
	ModelPK    int64
	CreatedAt  time.Time
}
