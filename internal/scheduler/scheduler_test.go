package scheduler

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwhai/sts-gateway/internal/message"
)

func TestBackupFileNameLowercasesAndUnderscoresSpaces(t *testing.T) {
	at := time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)
	name := backupFileName("My Gateway", at)
	assert.Contains(t, name, "my_gateway_")
	assert.True(t, filepath.Ext(name) == ".db")
}

func TestRunBackupJobDispatchesAndEnsuresFolder(t *testing.T) {
	dir := t.TempDir()
	backupDir := filepath.Join(dir, "backup")

	storageTx := make(chan message.StorageAction, 1)
	log := logrus.New()
	log.SetOutput(io.Discard)

	s := &Scheduler{
		cfg: Config{
			GatewayName:    "Test GW",
			BackupFolder:   backupDir,
			BackupTTLHours: 24,
		},
		storageTx: storageTx,
		log:       log.WithField("component", "scheduler"),
	}

	s.runBackupJob()

	_, err := os.Stat(backupDir)
	require.NoError(t, err)

	action := <-storageTx
	assert.Equal(t, message.StorageBackupDB, action.Kind)
	assert.Contains(t, action.BackupTo, backupDir)
}

func TestSweepOldBackupsRemovesOnlyStaleFiles(t *testing.T) {
	dir := t.TempDir()
	fresh := filepath.Join(dir, "fresh.db.zst")
	stale := filepath.Join(dir, "stale.db.zst")

	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	log := logrus.New()
	log.SetOutput(io.Discard)
	s := &Scheduler{
		cfg: Config{BackupFolder: dir, BackupTTLHours: 24},
		log: log.WithField("component", "scheduler"),
	}
	s.sweepOldBackups()

	_, err := os.Stat(fresh)
	assert.NoError(t, err)
	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestRunTruncateJobDispatchesFixedWindow(t *testing.T) {
	storageTx := make(chan message.StorageAction, 1)
	log := logrus.New()
	log.SetOutput(io.Discard)

	s := &Scheduler{
		cfg:       Config{MessagesTTLHours: 48},
		storageTx: storageTx,
		log:       log.WithField("component", "scheduler"),
	}
	s.runTruncateJob()

	action := <-storageTx
	assert.Equal(t, message.StorageTruncate, action.Kind)
	assert.Equal(t, 48.0, action.Window.FixedWindowHours)
}
