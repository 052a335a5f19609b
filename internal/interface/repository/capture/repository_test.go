package capture

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mitmproxy/internal/domain"
)

func TestSaveAndRecent(t *testing.T) {
	repo, err := New(filepath.Join(t.TempDir(), "capture.db"))
	require.NoError(t, err)
	defer repo.Close()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Save(&domain.CaptureRecord{
			ID:              uuid.NewString(),
			SessionID:       "session-1",
			ClientIP:        "127.0.0.1",
			Method:          "GET",
			URL:             "https://secure.example/" + string(rune('a'+i)),
			Tunneled:        true,
			Status:          200 + i,
			RequestHeaders:  map[string][]string{"X-Test": {"1"}},
			ResponseHeaders: map[string][]string{"Content-Type": {"text/plain"}},
			RequestBytes:    0,
			ResponseBytes:   int64(10 * i),
			ResponseBody:    []byte("body"),
			StartedAt:       base.Add(time.Duration(i) * time.Second),
			Duration:        1500 * time.Millisecond,
		}))
	}

	records, err := repo.Recent(2)
	require.NoError(t, err)
	require.Len(t, records, 2)

	latest := records[0]
	assert.Equal(t, "https://secure.example/c", latest.URL)
	assert.Equal(t, 202, latest.Status)
	assert.True(t, latest.Tunneled)
	assert.Equal(t, []string{"1"}, latest.RequestHeaders["X-Test"])
	assert.Equal(t, "body", string(latest.ResponseBody))
	assert.Equal(t, 1500*time.Millisecond, latest.Duration)
	assert.True(t, latest.StartedAt.Equal(base.Add(2*time.Second)))
	assert.Equal(t, "https://secure.example/b", records[1].URL)
}

func TestRecentEmpty(t *testing.T) {
	repo, err := New(filepath.Join(t.TempDir(), "capture.db"))
	require.NoError(t, err)
	defer repo.Close()

	records, err := repo.Recent(10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestErrorRecorded(t *testing.T) {
	repo, err := New(filepath.Join(t.TempDir(), "capture.db"))
	require.NoError(t, err)
	defer repo.Close()

	require.NoError(t, repo.Save(&domain.CaptureRecord{
		ID:        uuid.NewString(),
		SessionID: "s",
		Method:    "GET",
		URL:       "https://down.example/",
		Error:     "upstream down.example:443 via direct failed (refused)",
		StartedAt: time.Now(),
	}))

	records, err := repo.Recent(1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Contains(t, records[0].Error, "refused")
	assert.Zero(t, records[0].Status)
}
