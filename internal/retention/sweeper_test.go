package retention

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/muckitymuck/erasure-executor/internal/store"
)

// testEnv wires a real file-backed store (so a second raw connection can
// backdate created_at timestamps the store API has no setter for) plus a
// scratch artifacts root.
type testEnv struct {
	dbPath string
	root   string
	store  *store.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "retention.db")
	s, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	root := t.TempDir()
	return &testEnv{dbPath: dbPath, root: root, store: s}
}

func (e *testEnv) backdate(t *testing.T, artifactID string, daysAgo int) {
	t.Helper()
	db, err := sql.Open("sqlite", e.dbPath+"?_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(
		`UPDATE run_artifacts SET created_at = datetime('now', ?) WHERE artifact_id = ?`,
		fmtDaysAgo(daysAgo), artifactID,
	)
	require.NoError(t, err)
}

func fmtDaysAgo(days int) string {
	return "-" + itoa(days) + " days"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	if neg {
		digits = "-" + digits
	}
	return digits
}

func (e *testEnv) seedRun(t *testing.T) string {
	t.Helper()
	run, err := e.store.CreateRun("run-1", "broker_spokeo", "hash1", "user-1", "", "{}")
	require.NoError(t, err)
	return run.RunID
}

// writeArtifact creates both the store row and the on-disk file for
// artifactID.
func (e *testEnv) writeArtifact(t *testing.T, runID, artifactID, kind string) {
	t.Helper()
	runDir := filepath.Join(e.root, runID)
	require.NoError(t, os.MkdirAll(runDir, 0o755))
	relPath := filepath.Join(runID, artifactID+".json")
	require.NoError(t, os.WriteFile(filepath.Join(e.root, relPath), []byte(`{}`), 0o644))

	require.NoError(t, e.store.CreateArtifact(&store.Artifact{
		ArtifactID:   artifactID,
		RunID:        runID,
		Kind:         kind,
		ContentType:  "application/json",
		URI:          relPath,
		MetadataJSON: "{}",
	}))
}

func TestCleanupOnceDeletesExpiredArtifact(t *testing.T) {
	env := newTestEnv(t)
	runID := env.seedRun(t)
	env.writeArtifact(t, runID, "art-old", KindHTML)
	env.backdate(t, "art-old", 40)

	sw := New(env.store, Config{ArtifactsRoot: env.root, HTMLRetentionDays: 30}, nil)
	counts, err := sw.CleanupOnce()
	require.NoError(t, err)

	assert.Equal(t, 1, counts.HTML)
	assert.Equal(t, 1, counts.TotalFiles)

	got, err := env.store.GetArtifact(runID, "art-old")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, statErr := os.Stat(filepath.Join(env.root, runID, "art-old.json"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestCleanupOnceLeavesFreshArtifactAlone(t *testing.T) {
	env := newTestEnv(t)
	runID := env.seedRun(t)
	env.writeArtifact(t, runID, "art-fresh", KindHTML)

	sw := New(env.store, Config{ArtifactsRoot: env.root, HTMLRetentionDays: 30}, nil)
	counts, err := sw.CleanupOnce()
	require.NoError(t, err)

	assert.Equal(t, 0, counts.TotalFiles)

	got, err := env.store.GetArtifact(runID, "art-fresh")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestCleanupOnceNegativeRetentionNeverSweeps(t *testing.T) {
	env := newTestEnv(t)
	runID := env.seedRun(t)
	env.writeArtifact(t, runID, "art-forever", KindScreenshot)
	env.backdate(t, "art-forever", 9999)

	sw := New(env.store, Config{ArtifactsRoot: env.root, ScreenshotRetentionDays: -1}, nil)
	counts, err := sw.CleanupOnce()
	require.NoError(t, err)

	assert.Equal(t, 0, counts.TotalFiles)

	got, err := env.store.GetArtifact(runID, "art-forever")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestCleanupOnceMissingFileStillDropsRow(t *testing.T) {
	env := newTestEnv(t)
	runID := env.seedRun(t)
	env.writeArtifact(t, runID, "art-gone", KindConfirmation)
	env.backdate(t, "art-gone", 400)

	require.NoError(t, os.Remove(filepath.Join(env.root, runID, "art-gone.json")))

	sw := New(env.store, Config{ArtifactsRoot: env.root, ConfirmationRetentionDays: 365}, nil)
	counts, err := sw.CleanupOnce()
	require.NoError(t, err)

	assert.Equal(t, 1, counts.Confirmation)

	got, err := env.store.GetArtifact(runID, "art-gone")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCleanupOnceCoversReceiptKind(t *testing.T) {
	env := newTestEnv(t)
	runID := env.seedRun(t)
	env.writeArtifact(t, runID, "art-receipt", KindReceipt)
	env.backdate(t, "art-receipt", 400)

	sw := New(env.store, Config{ArtifactsRoot: env.root, ConfirmationRetentionDays: 365}, nil)
	counts, err := sw.CleanupOnce()
	require.NoError(t, err)

	assert.Equal(t, 1, counts.Confirmation)
	assert.Equal(t, 1, counts.TotalFiles)
}
