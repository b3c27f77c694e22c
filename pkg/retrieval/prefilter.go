package retrieval

import (
	"github.com/codeready-toolchain/tiller/pkg/models"
)

// SessionRuleState is the slice of session state rule eligibility
// depends on.
type SessionRuleState struct {
	TurnCount        int
	RuleFires        map[string]int
	RuleLastFireTurn map[string]int
}

// StateFromSession projects a session onto the eligibility inputs.
func StateFromSession(s *models.Session) SessionRuleState {
	return SessionRuleState{
		TurnCount:        s.TurnCount,
		RuleFires:        s.RuleFires,
		RuleLastFireTurn: s.RuleLastFireTurn,
	}
}

// EligibleRule applies the business pre-filter: disabled rules, rules
// that exhausted max_fires_per_session, and rules still cooling down
// are excluded. Applied before scoring so the BM25 corpus only holds
// eligible candidates.
func EligibleRule(r *models.Rule, st SessionRuleState) bool {
	if !r.Enabled {
		return false
	}
	if r.MaxFiresPerSession > 0 && st.RuleFires[r.ID] >= r.MaxFiresPerSession {
		return false
	}
	if r.CooldownTurns > 0 {
		if lastFire, fired := st.RuleLastFireTurn[r.ID]; fired && st.TurnCount-lastFire < r.CooldownTurns {
			return false
		}
	}
	return true
}
