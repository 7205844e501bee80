package mirror

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRankedStatusDecodesNamesAndIntegers(t *testing.T) {
	t.Parallel()

	var set MapSet
	require.NoError(t, json.Unmarshal([]byte(`{"id":7,"status":"qualified"}`), &set))
	require.Equal(t, StatusQualified, set.Status)

	require.NoError(t, json.Unmarshal([]byte(`{"id":7,"status":-2}`), &set))
	require.Equal(t, StatusGraveyard, set.Status)

	err := json.Unmarshal([]byte(`{"status":"deleted"}`), &set)
	require.Error(t, err)
}

func TestModeDecodesRulesetNames(t *testing.T) {
	t.Parallel()

	var m Map
	require.NoError(t, json.Unmarshal([]byte(`{"id":1,"mode":"fruits"}`), &m))
	require.Equal(t, ModeCatch, m.Mode)

	require.NoError(t, json.Unmarshal([]byte(`{"id":1,"mode":3}`), &m))
	require.Equal(t, ModeMania, m.Mode)
}

func TestFinalStatuses(t *testing.T) {
	t.Parallel()

	for _, st := range NonFinalStatuses() {
		require.False(t, st.Final(), "status %d", st)
	}
	require.True(t, StatusRanked.Final())
	require.True(t, StatusApproved.Final())
	require.True(t, StatusLoved.Final())
}

func TestNewEntityStampsEveryTimestamp(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	e := NewEntity(MapSet{ID: 42}, now, true)

	require.Equal(t, now, e.CreatedAt)
	require.Equal(t, now, e.UpdatedAt)
	require.Equal(t, now, e.LastChecked)
	require.True(t, e.Crawled)
	require.Equal(t, "42", e.DocumentID())
}

func TestStatusEncodesAsInteger(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(Map{ID: 3, Status: StatusLoved, Mode: ModeTaiko})
	require.NoError(t, err)
	require.Contains(t, string(raw), `"status":4`)
	require.Contains(t, string(raw), `"mode":1`)
}

func TestRefreshTracksContentChanges(t *testing.T) {
	t.Parallel()

	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	later := created.Add(48 * time.Hour)
	entity := NewEntity(MapSet{ID: 1, Title: "Ghost"}, created, true)

	same, changed := entity.Refresh(MapSet{ID: 1, Title: "Ghost", Maps: []Map{}}, later)
	require.False(t, changed)
	require.Equal(t, created, same.UpdatedAt)
	require.Equal(t, later, same.LastChecked)
	require.Equal(t, created, same.CreatedAt)

	diff, changed := entity.Refresh(MapSet{ID: 1, Title: "Ghost (TV Size)"}, later)
	require.True(t, changed)
	require.Equal(t, later, diff.UpdatedAt)
	require.Equal(t, later, diff.LastChecked)
	require.Equal(t, "Ghost (TV Size)", diff.Data.Title)
}
