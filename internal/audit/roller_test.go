package audit

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRoller(t *testing.T, cfg RollerConfig) *Roller {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	r, err := NewRoller(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestDefaultRollerConfig(t *testing.T) {
	config := DefaultRollerConfig()

	assert.Equal(t, 30, config.MaxDays)
	assert.Equal(t, 5*time.Second, config.FlushInterval)
	assert.True(t, config.RotateOnStart)
	assert.Empty(t, config.Dir)
}

func TestRoller_DefaultDirIsDataDir(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	roller, err := NewRoller(RollerConfig{})
	require.NoError(t, err)
	defer roller.Close()

	expectedDate := time.Now().Format(dateLayout)
	expectedSuffix := filepath.Join("idleguard", "audit-"+expectedDate+".log")
	assert.Equal(t, expectedSuffix, filepath.Join(filepath.Base(roller.Dir()), filepath.Base(roller.GetCurrentLogPath())))
}

func TestRoller_Write(t *testing.T) {
	roller := testRoller(t, RollerConfig{MaxDays: 7, RotateOnStart: true})

	testData := []byte("test audit log entry\n")
	require.NoError(t, roller.Write(testData))

	data, err := os.ReadFile(roller.GetCurrentLogPath())
	require.NoError(t, err)
	assert.Equal(t, string(testData), string(data))
}

func TestRoller_RotatesAtMidnight(t *testing.T) {
	roller := testRoller(t, RollerConfig{})
	day := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	roller.now = func() time.Time { return day }

	require.NoError(t, roller.Write([]byte("a\n")))
	first := roller.GetCurrentLogPath()

	day = day.Add(2 * time.Minute)
	require.NoError(t, roller.Write([]byte("b\n")))
	second := roller.GetCurrentLogPath()

	assert.Equal(t, "audit-2026-03-01.log", filepath.Base(first))
	assert.Equal(t, "audit-2026-03-02.log", filepath.Base(second))

	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, "a\n", string(data))
}

func TestRoller_CleanupRemovesExpiredDays(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"audit-2026-01-01.log", "audit-2026-02-27.log", "notes.log"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600))
	}

	roller := testRoller(t, RollerConfig{Dir: dir, MaxDays: 7})
	roller.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	require.NoError(t, roller.Write([]byte("x\n")))
	require.NoError(t, roller.Close())

	assert.NoFileExists(t, filepath.Join(dir, "audit-2026-01-01.log"))
	assert.FileExists(t, filepath.Join(dir, "audit-2026-02-27.log"))
	assert.FileExists(t, filepath.Join(dir, "notes.log"))
}

func TestListLogFiles(t *testing.T) {
	roller := testRoller(t, RollerConfig{MaxDays: 0})

	for _, date := range []string{"2025-01-03", "2025-01-01", "2025-01-02"} {
		require.NoError(t, os.WriteFile(roller.pathFor(date), []byte("test"), 0o600))
	}
	require.NoError(t, os.WriteFile(filepath.Join(roller.Dir(), "notes.log"), []byte("x"), 0o600))

	files, err := listLogFiles(roller.Dir())
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "audit-2025-01-01.log", filepath.Base(files[0]), "oldest first")
	assert.Equal(t, "audit-2025-01-03.log", filepath.Base(files[2]))
}

func TestRoller_CloseIsIdempotent(t *testing.T) {
	roller := testRoller(t, RollerConfig{RotateOnStart: true, FlushInterval: time.Millisecond})
	time.Sleep(5 * time.Millisecond)
	assert.NoError(t, roller.Close())
	assert.NoError(t, roller.Close())
}
