package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediabot/pkg/logx"
)

func openDriver(t *testing.T, driver string) (Store, Config) {
	t.Helper()
	cfg := Config{Driver: driver, Path: filepath.Join(t.TempDir(), "state", "mediabot.db")}
	st, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, st)
	t.Cleanup(func() { _ = st.Close() })
	return st, cfg
}

func TestAlertHistoryDrivers(t *testing.T) {
	for _, driver := range []string{"memory", "file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st, _ := openDriver(t, driver)
			ctx := context.Background()
			base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

			id1, err := st.AppendAlert(ctx, AlertRecord{Type: "queue_backup", Severity: "warning", Message: "first", TriggeredAt: base})
			require.NoError(t, err)
			id2, err := st.AppendAlert(ctx, AlertRecord{Type: "queue_backup", Severity: "warning", Message: "second", TriggeredAt: base.Add(time.Minute)})
			require.NoError(t, err)
			_, err = st.AppendAlert(ctx, AlertRecord{Type: "high_error_rate", Severity: "critical", Message: "errors", TriggeredAt: base.Add(2 * time.Minute)})
			require.NoError(t, err)
			assert.Greater(t, id2, id1)

			ok, err := st.ResolveAlert(ctx, "queue_backup", base.Add(time.Hour))
			require.NoError(t, err)
			assert.True(t, ok)

			rows, err := st.RecentAlerts(ctx, 10)
			require.NoError(t, err)
			require.Len(t, rows, 3)
			assert.Equal(t, "high_error_rate", rows[0].Type)
			assert.False(t, rows[0].Resolved())
			// A re-fired alert leaves no open rows of its type behind.
			assert.Equal(t, "second", rows[1].Message)
			assert.True(t, rows[1].ResolvedAt.Equal(base.Add(time.Hour)))
			assert.Equal(t, "first", rows[2].Message)
			assert.True(t, rows[2].ResolvedAt.Equal(base.Add(time.Hour)))

			ok, err = st.ResolveAlert(ctx, "queue_backup", base.Add(2*time.Hour))
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = st.ResolveAlert(ctx, "payment_failure", base)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestFileStoreReplaysJournal(t *testing.T) {
	t.Parallel()

	st, cfg := openDriver(t, "file")
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	_, err := st.AppendAlert(ctx, AlertRecord{Type: "low_disk_space", Severity: "warning", Message: "disk", TriggeredAt: at})
	require.NoError(t, err)
	_, err = st.AppendAlert(ctx, AlertRecord{Type: "low_disk_space", Severity: "warning", Message: "disk again", TriggeredAt: at.Add(30 * time.Second)})
	require.NoError(t, err)
	_, err = st.ResolveAlert(ctx, "low_disk_space", at.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, st.Close())

	again, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer again.Close()

	rows, err := again.RecentAlerts(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Resolved())
	assert.True(t, rows[1].Resolved())

	id, err := again.AppendAlert(ctx, AlertRecord{Type: "x", Severity: "warning", Message: "next", TriggeredAt: at})
	require.NoError(t, err)
	assert.Equal(t, int64(3), id)
}

func TestMemoryStoreKeepsBoundedHistory(t *testing.T) {
	t.Parallel()

	m := NewMemory(2)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = m.AppendAlert(ctx, AlertRecord{Type: "t"})
	}
	rows, _ := m.RecentAlerts(ctx, 0)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(5), rows[0].ID)
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()

	st, err := Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(Config{Driver: "postgres"}, logx.Nop())
	assert.Error(t, err)
}
