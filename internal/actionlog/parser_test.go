package actionlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLineFullRecord(t *testing.T) {
	line := "lrh=[type=10680000 len=192 idx=517/31144] fid=[0x200000402:0x11a:0x0] " +
		"dfid=[0x200000402:0x11a:0x0] compound/cookie=0x0/0x64b16c20 action=ARCHIVE " +
		"archive#=1 flags=0x0 extent=0x0-0xffffffffffffffff gid=0x0 datalen=0 status=STARTED data=[]"

	rec, ok := ParseLine(line)
	require.True(t, ok)
	assert.Equal(t, 517, rec.CatIdx)
	assert.Equal(t, 31144, rec.RecIdx)
	assert.Equal(t, "0x200000402:0x11a:0x0", rec.FID)
	assert.Equal(t, "ARCHIVE", rec.Action)
	assert.Equal(t, "STARTED", rec.Status)
	assert.Equal(t, "0x200000402:0x11a:0x0:ARCHIVE", rec.ActionKey())
}

func TestParseLineTopLevelIdx(t *testing.T) {
	rec, ok := ParseLine("idx=[1/1] action=ARCHIVE fid=[0xa] status=STARTED")
	require.True(t, ok)
	assert.Equal(t, 1, rec.CatIdx)
	assert.Equal(t, 1, rec.RecIdx)
	assert.Equal(t, "0xa", rec.FID)
	assert.Equal(t, "ARCHIVE", rec.Action)
	assert.Equal(t, "STARTED", rec.Status)
}

func TestParseLineTopLevelWinsOverInner(t *testing.T) {
	rec, ok := ParseLine("idx=[2/3] lrh=[idx=517/31144 action=RESTORE] action=ARCHIVE fid=0xb")
	require.True(t, ok)
	assert.Equal(t, 2, rec.CatIdx)
	assert.Equal(t, 3, rec.RecIdx)
	assert.Equal(t, "ARCHIVE", rec.Action)
}

func TestParseLineInnerFieldsFillGaps(t *testing.T) {
	rec, ok := ParseLine("lrh=[type=10680000 idx=517/31144] blob=[fid=0xdead status=WAITING] action=REMOVE")
	require.True(t, ok)
	assert.Equal(t, 517, rec.CatIdx)
	assert.Equal(t, 31144, rec.RecIdx)
	assert.Equal(t, "0xdead", rec.FID)
	assert.Equal(t, "WAITING", rec.Status)
	assert.Equal(t, "REMOVE", rec.Action)
}

func TestParseLineUnrecognized(t *testing.T) {
	cases := map[string]string{
		"empty":            "",
		"no idx":           "action=ARCHIVE fid=0xa status=STARTED",
		"idx not a pair":   "idx=[42] action=ARCHIVE",
		"idx not numeric":  "idx=[a/b] action=ARCHIVE",
		"idx negative":     "idx=[-1/2] action=ARCHIVE",
		"free-form bustle": "some random text that is not key=value at-all []",
	}
	for name, line := range cases {
		t.Run(name, func(t *testing.T) {
			_, ok := ParseLine(line)
			assert.False(t, ok)
		})
	}
}

func TestParseLineIgnoresUnknownFields(t *testing.T) {
	rec, ok := ParseLine("idx=[5/6] action=RESTORE fid=0xc bogus=whatever flags=0xffff")
	require.True(t, ok)
	assert.Equal(t, 5, rec.CatIdx)
	assert.Equal(t, 6, rec.RecIdx)
	assert.Equal(t, "RESTORE", rec.Action)
}

func TestParseLineMissingOptionalFields(t *testing.T) {
	rec, ok := ParseLine("idx=[7/8] status=WAITING")
	require.True(t, ok)
	assert.Empty(t, rec.FID)
	assert.Empty(t, rec.Action)
	assert.Equal(t, "WAITING", rec.Status)
}

func TestParseLineLastTopLevelIdxWins(t *testing.T) {
	rec, ok := ParseLine("idx=[1/2] idx=[3/4] action=ARCHIVE fid=0xa")
	require.True(t, ok)
	assert.Equal(t, 3, rec.CatIdx)
	assert.Equal(t, 4, rec.RecIdx)
}
