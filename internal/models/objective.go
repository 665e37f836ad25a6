package models

// ObjectiveProgress is one objective's completion state within a
// scenario snapshot.
type ObjectiveProgress struct {
	ID         string  `json:"id"`
	Label      string  `json:"label"`
	Status     string  `json:"status"`
	Completion float64 `json:"completion_percentage"`
}

// ProgressSnapshot maps objective id to its current progress. Snapshots
// are replaced wholesale on every update; only the previous one is kept,
// and only long enough to diff against.
type ProgressSnapshot map[string]ObjectiveProgress

// Equal reports shallow value equality between two snapshots. Used to
// drop referentially-new but value-identical updates before they cause
// any downstream work.
func (s ProgressSnapshot) Equal(other ProgressSnapshot) bool {
	if len(s) != len(other) {
		return false
	}
	for id, p := range s {
		q, ok := other[id]
		if !ok || p != q {
			return false
		}
	}
	return true
}
