package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplate_Substitution(t *testing.T) {
	tmpl, err := Compile("t", "Hello {{name}}, welcome to {{place}}.")
	require.NoError(t, err)

	out, err := tmpl.Render(Data{"name": "Ana", "place": "support"})
	require.NoError(t, err)
	assert.Equal(t, "Hello Ana, welcome to support.", out)
}

func TestTemplate_MissingIdentifierRendersEmpty(t *testing.T) {
	tmpl := MustCompile("t", "A{{missing}}B")
	out, err := tmpl.Render(Data{})
	require.NoError(t, err)
	assert.Equal(t, "AB", out)
}

func TestTemplate_EachBlock(t *testing.T) {
	tmpl := MustCompile("t", "{{#each rows}}- {{name}}: {{value}}\n{{/each}}")
	out, err := tmpl.Render(Data{"rows": []Data{
		{"name": "a", "value": "1"},
		{"name": "b", "value": "2"},
	}})
	require.NoError(t, err)
	assert.Equal(t, "- a: 1\n- b: 2\n", out)
}

func TestTemplate_EmptyListRendersNothing(t *testing.T) {
	tmpl := MustCompile("t", "head\n{{#each rows}}x{{/each}}tail")
	out, err := tmpl.Render(Data{})
	require.NoError(t, err)
	assert.Equal(t, "head\ntail", out)
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"unclosed tag", "a {{name"},
		{"unclosed each", "{{#each rows}} no end"},
		{"stray close", "text {{/each}}"},
		{"expression rejected", "{{a + b}}"},
		{"dotted path rejected", "{{user.name}}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile("t", tt.text)
			assert.Error(t, err)
		})
	}
}

func TestTemplate_TypeMismatch(t *testing.T) {
	tmpl := MustCompile("t", "{{#each rows}}x{{/each}}")
	_, err := tmpl.Render(Data{"rows": "not a list"})
	assert.Error(t, err)

	tmpl = MustCompile("t", "{{v}}")
	_, err = tmpl.Render(Data{"v": 42})
	assert.Error(t, err)
}

func TestPackageTemplatesCompile(t *testing.T) {
	// MustCompile at init would have panicked; render each with empty
	// data to make sure they are also renderable.
	for _, tmpl := range []*Template{Sensor, RuleFilter, Transition, Generator, EnforcementJudge, Regenerate} {
		_, err := tmpl.Render(Data{})
		assert.NoError(t, err)
	}
}
