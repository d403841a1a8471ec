package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestXAddArgsCapsStreamLength(t *testing.T) {
	c := &Client{streamMaxLen: 500}
	args := c.xaddArgs("kpietl:mysql:t", map[string]interface{}{"offset": 1})
	assert.Equal(t, "kpietl:mysql:t", args.Stream)
	assert.EqualValues(t, 500, args.MaxLen)
	assert.True(t, args.Approx)

	unbounded := (&Client{}).xaddArgs("s", nil)
	assert.Zero(t, unbounded.MaxLen)
	assert.False(t, unbounded.Approx)
}
