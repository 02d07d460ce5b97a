package hsmstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStreamID(t *testing.T) {
	ms, seq := ParseStreamID("1700000000123-7")
	assert.Equal(t, int64(1700000000123), ms)
	assert.Equal(t, int64(7), seq)

	for _, bad := range []string{"", "nope", "12", "a-b", "3-"} {
		ms, seq := ParseStreamID(bad)
		assert.Zero(t, ms, bad)
		assert.Zero(t, seq, bad)
	}
}

func TestCompareStreamIDs(t *testing.T) {
	assert.Negative(t, CompareStreamIDs("1-1", "2-0"))
	assert.Negative(t, CompareStreamIDs("5-1", "5-2"))
	assert.Positive(t, CompareStreamIDs("6-0", "5-9"))
	assert.Zero(t, CompareStreamIDs("5-5", "5-5"))
}

func TestDecodeEntry(t *testing.T) {
	ev, err := DecodeEntry(map[string]interface{}{
		"data": `{"event_type":"NEW","mdt":"m0","cat_idx":1,"rec_idx":2,"fid":"0xa","action":"ARCHIVE","status":"STARTED","action_key":"0xa:ARCHIVE","timestamp":1700000000,"raw":"idx=[1/2]"}`,
	})
	require.NoError(t, err)
	assert.Equal(t, EventNew, ev.EventType)
	assert.Equal(t, "m0", ev.MDT)
	assert.Equal(t, 2, ev.RecIdx)
	assert.True(t, ev.Live())

	_, err = DecodeEntry(map[string]interface{}{"other": "x"})
	assert.Error(t, err)

	_, err = DecodeEntry(map[string]interface{}{"data": "not json"})
	assert.Error(t, err)
}
