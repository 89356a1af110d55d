package storage

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwhai/sts-gateway/internal/message"
)

func newTestStorage(t *testing.T) (*Storage, chan message.StorageAction) {
	t.Helper()
	in := make(chan message.StorageAction, 8)
	log := logrus.New()
	log.SetOutput(io.Discard)
	s, err := Open(t.TempDir(), in, log.WithField("component", "storage"))
	require.NoError(t, err)
	return s, in
}

func TestOpenAppendsDataDBToDirectoryPath(t *testing.T) {
	s, _ := newTestStorage(t)
	assert.Regexp(t, `data\.db$`, s.dbPath)
}

func TestInsertBothPersistsRow(t *testing.T) {
	s, in := newTestStorage(t)
	go s.Run()

	in <- message.NewInsertBoth(message.InsertRecord{
		TsMillis:       1700000000500,
		DeviceName:     "dev1",
		TimeseriesJSON: `{"dev1":[]}`,
		AttributesJSON: `{"dev1":{}}`,
	})
	close(in)
	time.Sleep(50 * time.Millisecond)

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE device_name = ?`, "dev1").Scan(&count))
	assert.Equal(t, 1, count)
}

// E4: after Truncate(FixedWindow(2h)) at T with inserts at T-3h, T-1h,
// T+1h, only the T-1h row survives.
func TestTruncateFixedWindowBoundary(t *testing.T) {
	s, in := newTestStorage(t)
	go s.Run()

	now := time.Now()
	rows := []int64{
		now.Add(-3 * time.Hour).UnixMilli(),
		now.Add(-1 * time.Hour).UnixMilli(),
		now.Add(1 * time.Hour).UnixMilli(),
	}
	for _, ts := range rows {
		in <- message.NewInsertBoth(message.InsertRecord{TsMillis: ts, DeviceName: "dev1"})
	}
	in <- message.NewTruncate(message.RetentionWindow{FixedWindowHours: 2})
	close(in)
	time.Sleep(50 * time.Millisecond)

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count))
	assert.Equal(t, 1, count)

	var ts int64
	require.NoError(t, s.db.QueryRow(`SELECT ts FROM messages`).Scan(&ts))
	assert.Equal(t, rows[1], ts)
}

// Single-writer: commands are applied in queue order, regardless of how
// many are enqueued before the worker starts draining.
func TestCommandsAppliedInQueueOrder(t *testing.T) {
	s, in := newTestStorage(t)

	for i := 0; i < 5; i++ {
		in <- message.NewInsertBoth(message.InsertRecord{TsMillis: int64(i), DeviceName: "dev1"})
	}
	close(in)
	s.Run()

	rowsRes, err := s.db.Query(`SELECT ts FROM messages ORDER BY rowid`)
	require.NoError(t, err)
	defer rowsRes.Close()

	var got []int64
	for rowsRes.Next() {
		var ts int64
		require.NoError(t, rowsRes.Scan(&ts))
		got = append(got, ts)
	}
	assert.Equal(t, []int64{0, 1, 2, 3, 4}, got)
}
