package glob

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"*", "anything", true},
		{"*", "", true},
		{"*", "tests/test_a.py::test_one", true},
		{"*", "multi\nline", true},
		{"", "", true},
		{"", "x", false},
		{"foo*", "foo1", true},
		{"foo*", "bar1", false},
		{"foo*", "xfoo", false},
		{"foo?", "foo1", true},
		{"foo?", "foo22", false},
		{"foo?", "foo", false},
		{"Foo", "foo", false},
		{"[abc]x", "bx", true},
		{"[abc]x", "dx", false},
		{"[!abc]x", "dx", true},
		{"[!abc]x", "ax", false},
		{"[a-c]", "b", true},
		{"[a-c]", "d", false},
		{"[]]", "]", true},
		{"[!]]", "]", false},
		{"[!]]", "a", true},
		{"[a-]", "-", true},
		{"[-a]", "-", true},
		{"[z-a]", "m", false},
		{"[!z-a]", "m", true},
		{"[", "[", true},
		{"[abc", "[abc", true},
		{"a.b", "a.b", true},
		{"a.b", "axb", false},
		{"(x)+", "(x)+", true},
		{"[^]", "^", true},
		{"[\\]", "\\", true},
		{"[ ]", " ", true},
		{"ü?", "üb", true},
		{"t[0-9][0-9]", "t42", true},
	}

	for _, c := range cases {
		got, err := Match(c.pattern, c.name)
		require.NoError(t, err, c.pattern)
		assert.Equal(t, c.want, got, "pattern %q name %q", c.pattern, c.name)
	}
}

func TestFilter(t *testing.T) {
	got, err := Filter([]string{"foo1", "foo22", "fooX", "bar"}, "foo?")
	require.NoError(t, err)
	assert.Equal(t, []string{"foo1", "fooX"}, got)

	got, err = Filter([]string{"foo1", "bar"}, "")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTranslateCollapsesStars(t *testing.T) {
	assert.Equal(t, Translate("a*"), Translate("a***"))
}

func TestCacheIsBounded(t *testing.T) {
	for i := 0; i < 2*cacheSize; i++ {
		ok, err := Match(fmt.Sprintf("item%d*", i), fmt.Sprintf("item%d", i))
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.LessOrEqual(t, cache.Len(), cacheSize)

	// evicted patterns compile again
	ok, err := Match("item0*", "item0x")
	require.NoError(t, err)
	assert.True(t, ok)
}
