// Copyright 2025 James Ross
package catalog

import "encoding/json"

// ForwardingRule is the predicate stored as a Destination's forwarding_rule
// JSONB column. Every populated field is AND-ed together; an empty rule
// (all fields nil) matches everything. CalledAETitles and Labels are
// reserved for operator-assigned instance tags not yet produced by any
// Receiver path; Matches ignores them until a labeling source exists.
type ForwardingRule struct {
	Modalities     []string `json:"modalities,omitempty"`
	SOPClassUIDs   []string `json:"sop_class_uids,omitempty"`
	CalledAETitles []string `json:"called_ae_titles,omitempty"`
	Labels         []string `json:"labels,omitempty"`
}

// Matches reports whether an instance with the given modality and SOP
// class UID satisfies the rule. A rule dimension left empty matches
// anything on that dimension.
func (r ForwardingRule) Matches(modality, sopClassUID string) bool {
	if len(r.Modalities) > 0 && !contains(r.Modalities, modality) {
		return false
	}
	if len(r.SOPClassUIDs) > 0 && !contains(r.SOPClassUIDs, sopClassUID) {
		return false
	}
	return true
}

func contains(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

// ParseForwardingRule decodes a destination's raw forwarding_rule column.
func ParseForwardingRule(raw []byte) (ForwardingRule, error) {
	var rule ForwardingRule
	if len(raw) == 0 {
		return rule, nil
	}
	if err := json.Unmarshal(raw, &rule); err != nil {
		return ForwardingRule{}, err
	}
	return rule, nil
}
