package models

import "errors"

// ImplementationPlan is produced once per pipeline run by the Architect capability
// and is read-only afterwards.
type ImplementationPlan struct {
	FeatureName        string   `json:"feature_name"`
	Steps              []string `json:"steps"`
	References         []string `json:"references,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
}

// Validate checks the plan has a name and at least one step
func (p *ImplementationPlan) Validate() error {
	if p == nil {
		return errors.New("plan is nil")
	}
	if p.FeatureName == "" {
		return errors.New("plan feature name is required")
	}
	if len(p.Steps) == 0 {
		return errors.New("plan must contain at least one step")
	}
	return nil
}
