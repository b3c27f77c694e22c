// Package migration implements content-address hashing over scenario
// steps, transformation-map generation between scenario versions, the
// migration plan lifecycle, and just-in-time session reconciliation.
package migration

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/codeready-toolchain/tiller/pkg/models"
)

// nodeIdentity is the canonical projection a step hashes over. Identifier
// fields are deliberately absent: two steps with different ids but the
// same identity are the same anchor across versions.
type nodeIdentity struct {
	Name              string   `json:"name"`
	CollectsFields    []string `json:"collects_profile_fields"`
	IsCheckpoint      bool     `json:"is_checkpoint"`
	TransitionTargets []string `json:"transition_targets"`
}

// NodeContentHash returns the truncated SHA-256 (16 hex chars) of the
// step's canonical identity. Transition targets are referenced by step
// name, sorted, so the hash survives id regeneration between versions.
func NodeContentHash(sc *models.Scenario, step *models.ScenarioStep) string {
	identity := nodeIdentity{
		Name:           step.Name,
		CollectsFields: sortedCopy(step.CollectsProfileFields),
		IsCheckpoint:   step.IsCheckpoint,
	}
	for _, tr := range step.Transitions {
		if target := sc.StepByID(tr.ToStepID); target != nil {
			identity.TransitionTargets = append(identity.TransitionTargets, target.Name)
		}
	}
	sort.Strings(identity.TransitionTargets)

	// encoding/json emits struct fields in declaration order with sorted
	// slices prepared above, which makes the encoding canonical.
	raw, _ := json.Marshal(identity)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16]
}

// ScenarioChecksum hashes the scenario version plus every step identity
// in entry-traversal order. Steps unreachable from the entry are
// appended in name order so they still affect the checksum.
func ScenarioChecksum(sc *models.Scenario) string {
	h := sha256.New()
	_, _ = h.Write([]byte{byte(sc.Version >> 24), byte(sc.Version >> 16), byte(sc.Version >> 8), byte(sc.Version)})

	seen := make(map[string]bool, len(sc.Steps))
	for _, step := range traverseFromEntry(sc) {
		seen[step.ID] = true
		_, _ = h.Write([]byte(NodeContentHash(sc, step)))
	}
	var rest []*models.ScenarioStep
	for i := range sc.Steps {
		if !seen[sc.Steps[i].ID] {
			rest = append(rest, &sc.Steps[i])
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].Name < rest[j].Name })
	for _, step := range rest {
		_, _ = h.Write([]byte(NodeContentHash(sc, step)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// traverseFromEntry walks breadth-first from the entry step, following
// transitions in declaration order.
func traverseFromEntry(sc *models.Scenario) []*models.ScenarioStep {
	entry := sc.EntryStep()
	if entry == nil {
		return nil
	}
	var order []*models.ScenarioStep
	visited := map[string]bool{entry.ID: true}
	queue := []*models.ScenarioStep{entry}
	for len(queue) > 0 {
		step := queue[0]
		queue = queue[1:]
		order = append(order, step)
		for _, tr := range step.Transitions {
			if visited[tr.ToStepID] {
				continue
			}
			if next := sc.StepByID(tr.ToStepID); next != nil {
				visited[next.ID] = true
				queue = append(queue, next)
			}
		}
	}
	return order
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
