package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "notibridge/pkg/logx"
)

func openBoth(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{}
	for _, driver := range []string{"file", "sqlite"} {
		st, err := Open(Config{Driver: driver, Path: filepath.Join(dir, driver, "archive.db")}, logx.Nop())
		require.NoError(t, err, driver)
		t.Cleanup(func() { _ = st.Close() })
		out[driver] = st
	}
	return out
}

func TestOpenDisabled(t *testing.T) {
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(Config{Driver: "postgres"}, logx.Nop())
	assert.ErrorIs(t, err, ErrUnknownDriver)

	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err, "path required")
}

func TestAppendAndRecentNewestFirst(t *testing.T) {
	for driver, st := range openBoth(t) {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			for i := 0; i < 5; i++ {
				payload, _ := json.Marshal(map[string]int{"id": i})
				require.NoError(t, st.AppendRecord(ctx, Entry{
					EventID:        fmt.Sprintf("ev-%d", i),
					Kind:           "posted",
					At:             base.Add(time.Duration(i) * time.Second),
					PackageName:    "com.example.chat",
					NotificationID: i,
					Payload:        payload,
				}))
			}

			got, err := st.RecentRecords(ctx, 3)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, "ev-4", got[0].EventID)
			assert.Equal(t, "ev-3", got[1].EventID)
			assert.Equal(t, "ev-2", got[2].EventID)
			assert.Equal(t, 4, got[0].NotificationID)
			assert.True(t, got[0].At.Equal(base.Add(4*time.Second)))
			assert.JSONEq(t, `{"id":4}`, string(got[0].Payload))

			all, err := st.RecentRecords(ctx, 50)
			require.NoError(t, err)
			assert.Len(t, all, 5)

			none, err := st.RecentRecords(ctx, 0)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestClosedFileStore(t *testing.T) {
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "a.jsonl")}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Close())
	require.NoError(t, st.Close())

	err = st.AppendRecord(context.Background(), Entry{EventID: "x", Payload: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrDisabled)
}
