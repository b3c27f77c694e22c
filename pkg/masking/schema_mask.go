// Package masking keeps customer values out of LLM prompts and logs.
// The schema mask projects the customer data store down to field
// existence for prompt use; the redactor strips PII-marked attributes
// before they reach structured logs.
package masking

import (
	"sort"

	"github.com/codeready-toolchain/tiller/pkg/models"
)

// MaskEntry is the privacy-safe projection of one schema field: the
// field's shape and whether the customer has it, never its value.
type MaskEntry struct {
	Name        string           `json:"name"`
	DisplayName string           `json:"display_name"`
	Scope       string           `json:"scope,omitempty"`
	Type        models.ValueType `json:"type"`
	Exists      bool             `json:"exists"`
}

// SchemaMask is the full projection handed to LLM prompts.
type SchemaMask []MaskEntry

// BuildSchemaMask projects the schema against a profile. A nil profile
// marks every field absent. Output is sorted by field name so prompts
// render deterministically.
func BuildSchemaMask(fields []*models.CustomerDataField, profile *models.CustomerProfile) SchemaMask {
	mask := make(SchemaMask, 0, len(fields))
	for _, f := range fields {
		exists := false
		if profile != nil {
			exists = profile.ActiveField(f.Name) != nil
		}
		mask = append(mask, MaskEntry{
			Name:        f.Name,
			DisplayName: f.DisplayName,
			Scope:       f.Scope,
			Type:        f.ValueType,
			Exists:      exists,
		})
	}
	sort.Slice(mask, func(i, j int) bool { return mask[i].Name < mask[j].Name })
	return mask
}

// FieldNames returns the mask's field names in order.
func (m SchemaMask) FieldNames() []string {
	out := make([]string, len(m))
	for i, e := range m {
		out[i] = e.Name
	}
	return out
}

// Has reports whether the mask defines the field.
func (m SchemaMask) Has(name string) bool {
	for _, e := range m {
		if e.Name == name {
			return true
		}
	}
	return false
}
