package plan

import "slices"

// Artifacts lists the IDs of everything a conversation has produced.
// Each list is deduplicated and keeps first-seen order.
type Artifacts struct {
	Assets   []string `json:"assets,omitempty" yaml:"assets,omitempty"`
	Variants []string `json:"variants,omitempty" yaml:"variants,omitempty"`
	Jobs     []string `json:"jobs,omitempty" yaml:"jobs,omitempty"`
}

// Merge adds every ID of other that a does not already hold.
func (a *Artifacts) Merge(other Artifacts) {
	a.Assets = appendUnique(a.Assets, other.Assets...)
	a.Variants = appendUnique(a.Variants, other.Variants...)
	a.Jobs = appendUnique(a.Jobs, other.Jobs...)
}

// Empty reports whether no IDs are recorded.
func (a Artifacts) Empty() bool {
	return len(a.Assets) == 0 && len(a.Variants) == 0 && len(a.Jobs) == 0
}

func appendUnique(dst []string, ids ...string) []string {
	for _, id := range ids {
		if id != "" && !slices.Contains(dst, id) {
			dst = append(dst, id)
		}
	}
	return dst
}

func (r StepResult) artifacts() Artifacts {
	var a Artifacts
	a.Assets = appendUnique(a.Assets, r.AssetID)
	a.Variants = appendUnique(a.Variants, r.VariantID)
	a.Jobs = appendUnique(a.Jobs, r.JobID)
	return a
}
