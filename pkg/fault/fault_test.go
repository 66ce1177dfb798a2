package fault

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errSpecific = errors.New("specific")

func TestKindsMatchSentinels(t *testing.T) {
	err := Logicf("second entry: %w", errSpecific)
	assert.True(t, errors.Is(err, ErrLogic))
	assert.True(t, errors.Is(err, errSpecific))
	assert.False(t, errors.Is(err, ErrFormat))
	assert.Equal(t, "second entry: specific", err.Error())

	err = Crypto(errSpecific)
	assert.True(t, IsCrypto(err))
	assert.False(t, IsLogic(err))
}

func TestKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("open archive: %w", Formatf("bad record %q", "x"))
	assert.True(t, IsFormat(err))
	assert.Equal(t, "format", KindOf(err))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, "", KindOf(nil))
	assert.Equal(t, "io", KindOf(io.ErrUnexpectedEOF))
	assert.Equal(t, "logic", KindOf(Logic(errSpecific)))
	assert.Equal(t, "crypto", KindOf(Crypto(errSpecific)))
}

func TestNilStaysNil(t *testing.T) {
	assert.Nil(t, Logic(nil))
	assert.Nil(t, Format(nil))
	assert.Nil(t, Crypto(nil))
}
