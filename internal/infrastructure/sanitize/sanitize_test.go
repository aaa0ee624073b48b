package sanitize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizer_Clean(t *testing.T) {
	s := New(nil)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "hi", want: "hi"},
		{name: "trims", in: "  hello  ", want: "hello"},
		{name: "strips tags", in: "<b>bold</b> move", want: "bold move"},
		{name: "drops scripts", in: "<script>alert(1)</script>", want: ""},
		{name: "escapes markup", in: "a < b", want: "a &lt; b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Clean(tt.in))
		})
	}
}

func TestSanitizer_Blocked(t *testing.T) {
	s := New([]string{"darn", "heck"})

	blocked := []string{
		"darn",
		"well DARN it",
		"d4rn",
		"d.a.r.n",
		"daaarn",
		"what the h3ck",
		"dárn",
	}
	for _, text := range blocked {
		assert.True(t, s.Blocked(text), text)
	}

	allowed := []string{
		"",
		"darning socks",
		"checkers",
		"hello there",
	}
	for _, text := range allowed {
		assert.False(t, s.Blocked(text), text)
	}
}

func TestWordFilter_Empty(t *testing.T) {
	f := NewWordFilter([]string{"", "  "})
	assert.False(t, f.Contains("anything"))
}
