package ice

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRandSeqLength(t *testing.T) {
	s := randSeq(16)
	assert.Len(t, s, 16)
	for _, r := range s {
		assert.Contains(t, runesAlpha, string(r))
	}
}

func TestFlattenErrsDropsNils(t *testing.T) {
	assert.NoError(t, flattenErrs(nil))
	assert.NoError(t, flattenErrs([]error{nil, nil}))

	err1 := errors.New("boom1")
	err2 := errors.New("boom2")
	combined := flattenErrs([]error{nil, err1, err2})
	msg := combined.Error()
	assert.Contains(t, msg, "boom1")
	assert.Contains(t, msg, "boom2")
}
