package domain

import "time"

// Reference replaces a formerly embedded sub-document. It never carries
// mutable fields of the target; Snapshot holds display values captured at
// write time and is always treated as possibly stale.
type Reference struct {
	SourceID   EntityID   `json:"sourceId"`
	TargetType EntityType `json:"targetType"`
	TargetID   EntityID   `json:"targetId"`
	Snapshot   *Snapshot  `json:"snapshot,omitempty"`
}

// Snapshot is an immutable display copy of selected target fields.
type Snapshot struct {
	Fields     map[string]any `json:"fields"`
	CapturedAt time.Time      `json:"capturedAt"`
}

// StaleTolerant is always true; callers must not use snapshot values for decisions.
func (Snapshot) StaleTolerant() bool { return true }

// NewReference builds a reference without a snapshot.
func NewReference(source EntityID, targetType EntityType, targetID EntityID) Reference {
	return Reference{SourceID: source, TargetType: targetType, TargetID: targetID}
}

// Target returns the key of the referenced entity.
func (r Reference) Target() Key {
	return Key{Type: r.TargetType, ID: r.TargetID}
}
