package identifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_EquivalentForms(t *testing.T) {
	tests := []struct {
		name  string
		forms []string
		want  ID
	}{
		{
			name:  "three digit item",
			forms: []string{"SCP-173", "scp-173", "173", "0173", "  SCP 173 ", "Scp-173"},
			want:  ID{Link: "scp-173", Label: "SCP-173", Number: 173},
		},
		{
			name:  "padded item",
			forms: []string{"SCP-002", "scp-002", "2", "002", "SCP-2"},
			want:  ID{Link: "scp-002", Label: "SCP-002", Number: 2},
		},
		{
			name:  "four digit item",
			forms: []string{"SCP-3000", "scp-3000", "3000"},
			want:  ID{Link: "scp-3000", Label: "SCP-3000", Number: 3000},
		},
		{
			name:  "joke variant",
			forms: []string{"SCP-173-J", "scp-173-j", "scp173-j"},
			want:  ID{Link: "scp-173-j", Label: "SCP-173-J", Number: 173},
		},
		{
			name:  "archived variant",
			forms: []string{"SCP-1000-ARC", "scp-1000-arc"},
			want:  ID{Link: "scp-1000-arc", Label: "SCP-1000-ARC", Number: 1000},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, form := range tt.forms {
				got, err := Resolve(form)
				require.NoError(t, err, form)
				assert.Equal(t, tt.want, got, form)
			}
		})
	}
}

func TestResolve_Invalid(t *testing.T) {
	inputs := []string{
		"",
		"   ",
		"-5",
		"scp--5",
		"abc",
		"SCP-",
		"scp-173-xyz",
		"12a",
		"99999999999999999999999",
		"scp-173/../etc",
	}

	for _, in := range inputs {
		_, err := Resolve(in)
		assert.ErrorIs(t, err, ErrInvalidIdentifier, "input %q", in)
	}
}

func TestResolveNumber(t *testing.T) {
	id, err := ResolveNumber(682)
	require.NoError(t, err)
	assert.Equal(t, ID{Link: "scp-682", Label: "SCP-682", Number: 682}, id)

	_, err = ResolveNumber(-1)
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
}

func TestResolve_SlugIsIdentity(t *testing.T) {
	for _, slug := range []string{"scp-002", "scp-173", "scp-173-j", "scp-4000", "scp-001-d"} {
		id, err := Resolve(slug)
		require.NoError(t, err)
		assert.Equal(t, slug, id.Link)
	}
}

func TestID_Variants(t *testing.T) {
	id := MustResolve("2")
	assert.Equal(t, []string{"SCP-002", "scp-002", "2", "SCP-2"}, id.Variants())

	joke := MustResolve("scp-173-j")
	assert.Equal(t, "j", joke.Variant())
	assert.Equal(t, []string{"SCP-173-J", "scp-173-j"}, joke.Variants())

	for _, v := range id.Variants() {
		got, err := Resolve(v)
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}
}

func TestParseRange(t *testing.T) {
	lo, hi, err := ParseRange("100-200")
	require.NoError(t, err)
	assert.Equal(t, 100, lo)
	assert.Equal(t, 200, hi)

	lo, hi, err = ParseRange("200-100")
	require.NoError(t, err)
	assert.Equal(t, 100, lo)
	assert.Equal(t, 200, hi)

	assert.False(t, IsRange("scp-173"))
	assert.False(t, IsRange("173"))
	assert.True(t, IsRange("1-2"))
}
