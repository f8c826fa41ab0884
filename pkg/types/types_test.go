package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryAccessors(t *testing.T) {
	date := time.Date(2026, 10, 16, 12, 0, 0, 0, time.FixedZone("CEST", 2*60*60))
	e := NewEntry("modifyObject", map[string]string{"clientIdentity": "fedoraAdmin"}).
		Add(String("pid", "demo:1")).
		Add(Int("size", 7)).
		Add(Bool("force", true)).
		Add(Date("when", date)).
		Add(Strings("ids", "a", "b")).
		Add(FileArg("content", "/tmp/c")).
		Add(Null("logMessage"))

	assert.WithinDuration(t, time.Now(), e.Timestamp, time.Minute)
	assert.Equal(t, time.UTC, e.Timestamp.Location())

	pid, err := e.StringArg("pid")
	require.NoError(t, err)
	assert.Equal(t, "demo:1", pid)

	size, err := e.IntArg("size")
	require.NoError(t, err)
	assert.EqualValues(t, 7, size)

	force, err := e.BoolArg("force")
	require.NoError(t, err)
	assert.True(t, force)

	when, err := e.DateArg("when")
	require.NoError(t, err)
	assert.True(t, when.Equal(date))
	assert.Equal(t, time.UTC, when.Location())

	ids, err := e.StringsArg("ids")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	f, err := e.FileArg("content")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/c", f.Path)

	// Null matches any type and yields the zero value.
	msg, err := e.StringArg("logMessage")
	require.NoError(t, err)
	assert.Empty(t, msg)

	_, err = e.IntArg("pid")
	assert.ErrorContains(t, err, `argument "pid" is string, not int`)
	_, err = e.StringArg("missing")
	assert.ErrorContains(t, err, `no argument "missing"`)
}

func TestStringsCopiesInput(t *testing.T) {
	in := []string{"a", "b"}
	a := Strings("ids", in...)
	in[0] = "changed"
	assert.Equal(t, []string{"a", "b"}, a.Value)
}

func TestShallowCopy(t *testing.T) {
	e := NewEntry("ingest", nil).Add(String("pid", "demo:1"))
	c := e.ShallowCopy()

	c.Arguments[0] = Null("pid")
	c.Method = "other"

	assert.Equal(t, "ingest", e.Method)
	assert.Equal(t, ArgString, e.Arguments[0].Type, "the original arguments must be untouched")
}

func TestAccessorRejectsMismatchedValue(t *testing.T) {
	e := NewEntry("ingest", nil).Add(Argument{Name: "pid", Type: ArgString, Value: int64(1)})

	_, err := e.StringArg("pid")
	assert.ErrorContains(t, err, `argument "pid" holds int64, not string`)
}
