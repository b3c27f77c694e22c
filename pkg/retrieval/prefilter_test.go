package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/codeready-toolchain/tiller/pkg/models"
)

func ruleWith(id string, maxFires, cooldown int) *models.Rule {
	return &models.Rule{ID: id, Enabled: true, MaxFiresPerSession: maxFires, CooldownTurns: cooldown}
}

func TestEligibleRule(t *testing.T) {
	tests := []struct {
		name  string
		rule  *models.Rule
		state SessionRuleState
		want  bool
	}{
		{
			name: "disabled rule excluded",
			rule: &models.Rule{ID: "r1", Enabled: false},
			want: false,
		},
		{
			name: "fresh rule passes",
			rule: ruleWith("r1", 0, 0),
			want: true,
		},
		{
			name:  "fires exhausted",
			rule:  ruleWith("r1", 2, 0),
			state: SessionRuleState{RuleFires: map[string]int{"r1": 2}},
			want:  false,
		},
		{
			name:  "fires below limit",
			rule:  ruleWith("r1", 2, 0),
			state: SessionRuleState{RuleFires: map[string]int{"r1": 1}},
			want:  true,
		},
		{
			name:  "still cooling down",
			rule:  ruleWith("r1", 0, 3),
			state: SessionRuleState{TurnCount: 5, RuleLastFireTurn: map[string]int{"r1": 3}},
			want:  false,
		},
		{
			name:  "cooldown elapsed",
			rule:  ruleWith("r1", 0, 3),
			state: SessionRuleState{TurnCount: 6, RuleLastFireTurn: map[string]int{"r1": 3}},
			want:  true,
		},
		{
			name:  "cooldown irrelevant before first fire",
			rule:  ruleWith("r1", 0, 3),
			state: SessionRuleState{TurnCount: 1},
			want:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EligibleRule(tt.rule, tt.state))
		})
	}
}

// Tightening either knob never lets more rules through: raising
// cooldown_turns or lowering max_fires_per_session can only shrink the
// eligible set.
func TestEligibleRule_TighteningIsMonotonic(t *testing.T) {
	state := SessionRuleState{
		TurnCount:        8,
		RuleFires:        map[string]int{"r1": 2},
		RuleLastFireTurn: map[string]int{"r1": 5},
	}
	for cooldown := 0; cooldown <= 6; cooldown++ {
		for maxFires := 5; maxFires >= 1; maxFires-- {
			loose := EligibleRule(ruleWith("r1", maxFires, cooldown), state)
			tighterCooldown := EligibleRule(ruleWith("r1", maxFires, cooldown+1), state)
			tighterFires := EligibleRule(ruleWith("r1", maxFires-1, cooldown), state)
			if !loose {
				assert.False(t, tighterCooldown, "cooldown %d->%d", cooldown, cooldown+1)
				if maxFires-1 > 0 {
					assert.False(t, tighterFires, "max_fires %d->%d", maxFires, maxFires-1)
				}
			}
		}
	}
}

func TestStateFromSession(t *testing.T) {
	s := &models.Session{TurnCount: 4}
	s.RecordRuleFire("r1", 3)
	s.RecordRuleFire("r1", 4)

	st := StateFromSession(s)
	assert.Equal(t, 4, st.TurnCount)
	assert.Equal(t, 2, st.RuleFires["r1"])
	assert.Equal(t, 4, st.RuleLastFireTurn["r1"])
}
