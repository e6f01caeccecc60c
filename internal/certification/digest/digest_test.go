package digest

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSum(t *testing.T) {
	// sha256("abc")
	const abc = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"

	assert.Equal(t, abc, Sum([]byte("abc")))
	assert.Equal(t, Sum([]byte("abc")), Sum([]byte("abc")))
	assert.NotEqual(t, Sum([]byte("abc")), Sum([]byte("abd")))
	assert.Len(t, Sum(nil), Length)
	assert.True(t, IsValid(Sum(nil)))

	streamed, err := SumReader(bytes.NewReader([]byte("abc")))
	require.NoError(t, err)
	assert.Equal(t, abc, streamed)
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{name: "lowercase", input: strings.Repeat("a", 64), want: true},
		{name: "uppercase", input: strings.Repeat("F", 64), want: true},
		{name: "too short", input: strings.Repeat("a", 63), want: false},
		{name: "too long", input: strings.Repeat("a", 65), want: false},
		{name: "non hex", input: strings.Repeat("g", 64), want: false},
		{name: "prefixed", input: "0x" + strings.Repeat("a", 62), want: false},
		{name: "empty", input: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValid(tt.input))
		})
	}
}

func TestEqual(t *testing.T) {
	lower := Sum([]byte("document"))
	assert.True(t, Equal(lower, strings.ToUpper(lower)))
	assert.False(t, Equal(lower, Sum([]byte("other"))))
}
