package model

import "strings"

// RequirementKind classifies a structural prerequisite of a framework.
type RequirementKind string

const (
	RequirementContext    RequirementKind = "context"
	RequirementTool       RequirementKind = "tool"
	RequirementSubprocess RequirementKind = "subprocess"
)

func IsValidRequirementKind(k RequirementKind) bool {
	switch k {
	case RequirementContext, RequirementTool, RequirementSubprocess:
		return true
	}
	return false
}

// Requirement is one named prerequisite. Material holds whatever satisfied
// it (fetched context, a tool grant description, an establishment result).
type Requirement struct {
	Key         string          `yaml:"key" json:"key"`
	Kind        RequirementKind `yaml:"kind" json:"kind"`
	Description string          `yaml:"description,omitempty" json:"description,omitempty"`
	Satisfied   bool            `yaml:"satisfied" json:"satisfied"`
	Material    string          `yaml:"material,omitempty" json:"material,omitempty"`
	SatisfiedBy string          `yaml:"satisfied_by,omitempty" json:"satisfied_by,omitempty"`
}

// CompletionCriteria is checked against a worker's declared result before an
// item may complete.
type CompletionCriteria struct {
	MustContain []string `yaml:"must_contain,omitempty" json:"must_contain,omitempty"`
	MinLength   int      `yaml:"min_length,omitempty" json:"min_length,omitempty"`
}

// Check returns the violated criteria, empty when the result is acceptable.
func (c CompletionCriteria) Check(result string) []string {
	var violations []string
	if c.MinLength > 0 && len(strings.TrimSpace(result)) < c.MinLength {
		violations = append(violations, "result shorter than required minimum length")
	}
	for _, s := range c.MustContain {
		if !strings.Contains(result, s) {
			violations = append(violations, "result must contain "+`"`+s+`"`)
		}
	}
	return violations
}

// FrameworkBinding is the process framework shared by all items of one tree
// with the same domain key. Requirements are only ever appended or
// satisfied, never removed.
type FrameworkBinding struct {
	ID                string             `yaml:"id" json:"id"`
	TreeID            string             `yaml:"tree_id" json:"tree_id"`
	DomainKey         string             `yaml:"domain_key" json:"domain_key"`
	WorkerType        string             `yaml:"worker_type,omitempty" json:"worker_type,omitempty"`
	Complete          bool               `yaml:"completeness_flag" json:"completeness_flag"`
	Requirements      []Requirement      `yaml:"requirements" json:"requirements"`
	AllowedOperations []RequestKind      `yaml:"allowed_operations,omitempty" json:"allowed_operations,omitempty"`
	Completion        CompletionCriteria `yaml:"completion" json:"completion"`
	CreatedAt         string             `yaml:"created_at" json:"created_at"`
	UpdatedAt         string             `yaml:"updated_at" json:"updated_at"`
}

// Missing returns the unsatisfied requirements in declaration order.
func (f *FrameworkBinding) Missing() []Requirement {
	var out []Requirement
	for _, r := range f.Requirements {
		if !r.Satisfied {
			out = append(out, r)
		}
	}
	return out
}

// MissingKeys returns the keys of unsatisfied requirements.
func (f *FrameworkBinding) MissingKeys() []string {
	var keys []string
	for _, r := range f.Missing() {
		keys = append(keys, r.Key)
	}
	return keys
}

// Satisfy marks the requirement with key satisfied. It reports false when
// no requirement has that key. The completeness flag is recomputed.
func (f *FrameworkBinding) Satisfy(key, material, by string) bool {
	found := false
	for i := range f.Requirements {
		if f.Requirements[i].Key != key {
			continue
		}
		f.Requirements[i].Satisfied = true
		f.Requirements[i].Material = material
		f.Requirements[i].SatisfiedBy = by
		found = true
	}
	f.refresh()
	return found
}

// AppendRequirement extends the framework with a newly discovered gap. An
// existing key is left untouched.
func (f *FrameworkBinding) AppendRequirement(req Requirement) bool {
	for _, r := range f.Requirements {
		if r.Key == req.Key {
			return false
		}
	}
	f.Requirements = append(f.Requirements, req)
	f.refresh()
	return true
}

func (f *FrameworkBinding) refresh() {
	f.Complete = len(f.Missing()) == 0
	f.UpdatedAt = Now()
}

// Allows reports whether the framework permits a request kind. An empty
// allow list permits every kind.
func (f *FrameworkBinding) Allows(kind RequestKind) bool {
	if len(f.AllowedOperations) == 0 {
		return true
	}
	for _, op := range f.AllowedOperations {
		if op == kind {
			return true
		}
	}
	return false
}

// Material returns the satisfied requirement material as labelled sections.
func (f *FrameworkBinding) Material() []ContextBlob {
	var blobs []ContextBlob
	for _, r := range f.Requirements {
		if r.Satisfied && r.Material != "" {
			blobs = append(blobs, ContextBlob{Key: r.Key, Content: r.Material, Source: r.SatisfiedBy})
		}
	}
	return blobs
}

func (f *FrameworkBinding) Clone() *FrameworkBinding {
	if f == nil {
		return nil
	}
	c := *f
	c.Requirements = append([]Requirement(nil), f.Requirements...)
	c.AllowedOperations = append([]RequestKind(nil), f.AllowedOperations...)
	c.Completion.MustContain = append([]string(nil), f.Completion.MustContain...)
	return &c
}
