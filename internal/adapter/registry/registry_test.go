package registry

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	r, err := Load()
	require.NoError(t, err)

	assert.True(t, r.Known("qwen-turbo"))
	assert.True(t, r.Known("claude-3.5-sonnet"))
	assert.False(t, r.Known("qwen-9000"))

	mi, ok := r.Get("qwen-max")
	require.True(t, ok)
	assert.Equal(t, 4, mi.Level)
	assert.Contains(t, mi.Roles, "deep")
}

func TestRecommendDefaults(t *testing.T) {
	r, err := Load()
	require.NoError(t, err)
	quick, deep := r.Recommend()
	assert.Equal(t, "qwen-turbo", quick)
	assert.Equal(t, "qwen-max", deep)
}

func TestAllSortedAndRolesSane(t *testing.T) {
	r, err := Load()
	require.NoError(t, err)
	all := r.All()
	require.NotEmpty(t, all)
	assert.True(t, sort.SliceIsSorted(all, func(i, j int) bool { return all[i].Name < all[j].Name }))
	for _, mi := range all {
		assert.GreaterOrEqual(t, mi.Level, 1, mi.Name)
		assert.LessOrEqual(t, mi.Level, 5, mi.Name)
		require.NotEmpty(t, mi.Roles, mi.Name)
		for _, role := range mi.Roles {
			assert.Contains(t, []string{"quick", "deep"}, role, mi.Name)
		}
	}
}
