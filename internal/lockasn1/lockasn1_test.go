package lockasn1

import (
	"testing"

	"github.com/Amaury/arkiv-lock/pkg/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestMarshalKnownBytes(t *testing.T) {
	der, err := Marshal(Envelope{Tag: KeyPairPassword, Payload: []byte{0xde, 0xad}})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x30, 0x04, 0x82, 0x02, 0xde, 0xad}, der)
}

func TestRoundTripAllAlternatives(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tag := Tag(rapid.IntRange(0, 2).Draw(t, "tag"))
		payload := rapid.SliceOfN(rapid.Byte(), 0, 600).Draw(t, "payload")

		der, err := Marshal(Envelope{Tag: tag, Payload: payload})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		env, err := Unmarshal(der)
		if err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if env.Tag != tag || string(env.Payload) != string(payload) {
			t.Fatalf("decoded %v/%x, want %v/%x", env.Tag, env.Payload, tag, payload)
		}
		again, err := Marshal(env)
		if err != nil {
			t.Fatalf("re-marshal: %v", err)
		}
		if string(again) != string(der) {
			t.Fatalf("encoding not stable: %x != %x", again, der)
		}
	})
}

func TestUnmarshalRejects(t *testing.T) {
	cases := map[string]struct {
		in   []byte
		want error
	}{
		"empty input":       {nil, ErrMalformed},
		"not a sequence":    {[]byte{0x04, 0x01, 0x00}, ErrMalformed},
		"empty sequence":    {[]byte{0x30, 0x00}, ErrEmpty},
		"two elements":      {[]byte{0x30, 0x06, 0x80, 0x01, 0xaa, 0x81, 0x01, 0xbb}, ErrTrailingData},
		"junk after":        {[]byte{0x30, 0x03, 0x80, 0x01, 0xaa, 0x00}, ErrTrailingData},
		"unknown tag":       {[]byte{0x30, 0x03, 0x83, 0x01, 0xaa}, ErrUnknownTag},
		"universal element": {[]byte{0x30, 0x03, 0x04, 0x01, 0xaa}, ErrUnknownTag},
		"constructed tag":   {[]byte{0x30, 0x02, 0xa0, 0x00}, ErrUnknownTag},
		"long form length":  {[]byte{0x30, 0x81, 0x03, 0x80, 0x01, 0xaa}, ErrMalformed},
		"truncated":         {[]byte{0x30, 0x05, 0x80, 0x03, 0xaa}, ErrMalformed},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Unmarshal(tc.in)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			assert.True(t, fault.IsFormat(err))
		})
	}
}

func TestMarshalRejectsUnknownTag(t *testing.T) {
	_, err := Marshal(Envelope{Tag: 3})
	assert.True(t, fault.IsLogic(err))
	assert.ErrorIs(t, err, ErrUnknownTag)
}
