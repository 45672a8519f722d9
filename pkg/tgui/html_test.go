package tgui

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFieldEscapes(t *testing.T) {
	t.Parallel()
	assert.Equal(t, H("<b>Plan:</b> a&lt;b&gt;"), Field("Plan", "a<b>"))
	assert.Equal(t, H("<b>Queue:</b> 3"), Field("Queue", 3))
}

func TestLinesSkipsEmpty(t *testing.T) {
	t.Parallel()
	assert.Equal(t, H("<b>x</b>\n<i>y</i>"), Lines(B("x"), "", " ", I("y")))
}

func TestTrunc(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "héllo", Trunc("héllo", 5))
	assert.Equal(t, "hé…", Trunc("héllo", 3))
	assert.Equal(t, "", Trunc("héllo", 0))
}
