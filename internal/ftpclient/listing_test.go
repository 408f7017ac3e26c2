// SPDX-License-Identifier: MIT

package ftpclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// P9: a "MMM DD HH:MM" timestamp that would fall in the future relative
// to now is assumed to be from the previous year.
func TestParseListTimeYearRollback(t *testing.T) {
	now := time.Date(2026, time.January, 5, 12, 0, 0, 0, time.UTC)

	// "Dec 31 23:50" read in the current year (2026) would lie in the
	// future relative to Jan 5, so it rolls back to 2025.
	recent, err := ParseListTime("Dec 31 23:50", now, 0)
	require.NoError(t, err)
	assert.Equal(t, 2025, recent.Year())

	// "Jun 15 10:00" would be in the future if interpreted as the
	// current year, so it must roll back to the previous year.
	rolled, err := ParseListTime("Jun 15 10:00", now, 0)
	require.NoError(t, err)
	assert.Equal(t, 2025, rolled.Year())
}

func TestParseListTimeExplicitYear(t *testing.T) {
	now := time.Date(2026, time.January, 5, 12, 0, 0, 0, time.UTC)
	ts, err := ParseListTime("Mar  3  2019", now, 0)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2019, time.March, 3, 0, 0, 0, 0, time.UTC), ts)
}

func TestParseListTimeAppliesOffset(t *testing.T) {
	now := time.Date(2026, time.January, 5, 12, 0, 0, 0, time.UTC)
	ts, err := ParseListTime("Jan  4 10:00", now, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 8, ts.Hour())
}

func TestParseListTimeMalformed(t *testing.T) {
	_, err := ParseListTime("not a timestamp", time.Now().UTC(), 0)
	assert.Error(t, err)
}

func TestSortByModTimeDesc(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	t3 := time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)

	entries := []Entry{
		{Name: "a", MTime: t1},
		{Name: "c", MTime: t3},
		{Name: "b", MTime: t2},
	}

	sorted := SortByModTimeDesc(entries)
	require.Len(t, sorted, 3)
	assert.Equal(t, "c", sorted[0].Name)
	assert.Equal(t, "b", sorted[1].Name)
	assert.Equal(t, "a", sorted[2].Name)
}
