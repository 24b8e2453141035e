package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/snarktank/antfarm/pkg/api"
)

func TestEncodeJSON_NilIsEmptyColumn(t *testing.T) {
	for _, v := range []any{nil, []string(nil), map[string]int(nil)} {
		s, err := encodeJSON(v)
		require.NoError(t, err)
		require.Empty(t, s, "%T", v)
	}

	s, err := encodeJSON([]string{})
	require.NoError(t, err)
	require.Equal(t, "[]", s)
}

func TestDecodeJSON(t *testing.T) {
	got, err := decodeJSON[*api.LoopConfig]("")
	require.NoError(t, err)
	require.Nil(t, got)

	crit, err := decodeJSON[[]string](`["builds","tests pass"]`)
	require.NoError(t, err)
	require.Equal(t, []string{"builds", "tests pass"}, crit)

	_, err = decodeJSON[[]string](`{"not":"a list"}`)
	require.ErrorContains(t, err, "decode []string")
}

func TestContextCodec(t *testing.T) {
	s, err := encodeContext(nil)
	require.NoError(t, err)
	require.Equal(t, "{}", s)

	m, err := decodeContext("")
	require.NoError(t, err)
	require.NotNil(t, m, "a missing context decodes to an empty map")

	s, err = encodeContext(map[string]string{"task": "ship it"})
	require.NoError(t, err)
	m, err = decodeContext(s)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"task": "ship it"}, m)
}

func TestNanos(t *testing.T) {
	require.Zero(t, toNanos(time.Time{}))
	require.True(t, fromNanos(0).IsZero())

	at := time.Date(2026, 3, 1, 9, 0, 0, 123, time.UTC)
	require.True(t, at.Equal(fromNanos(toNanos(at))))
}
