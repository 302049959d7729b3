package miltersrv

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitReason(t *testing.T) {
	code, rest := splitReason("550 5.7.1 SPF hardfail")
	assert.Equal(t, uint16(550), code)
	assert.Equal(t, "5.7.1 SPF hardfail", rest)

	code, rest = splitReason("451 4.7.1 try later")
	assert.Equal(t, uint16(451), code)
	assert.Equal(t, "4.7.1 try later", rest)

	// Garbage keeps the permanent-failure default.
	code, rest = splitReason("zzz")
	assert.Equal(t, uint16(550), code)
	assert.Equal(t, "zzz", rest)
}
