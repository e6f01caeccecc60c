package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPtr(t *testing.T) {
	p := Ptr("value")
	assert.Equal(t, "value", *p)

	q := Ptr("value")
	assert.NotSame(t, p, q)
}
