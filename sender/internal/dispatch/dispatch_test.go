package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obsidianstack/backup-sender/sender/internal/ledger"
	"github.com/obsidianstack/backup-sender/sender/internal/stability"
	"github.com/obsidianstack/backup-sender/sender/internal/transfer"
)

// baseTime is a fixed reference point so all file ages are deterministic.
var baseTime = time.Date(2026, 1, 1, 0, 30, 0, 0, time.UTC)

// fakeCopier records every Copy call and fails the ones listed in fail,
// keyed by file name.
type fakeCopier struct {
	calls   []string
	remotes []string
	fail    map[string]error
}

func (f *fakeCopier) Copy(_ context.Context, localPath, remotePath string) error {
	name := filepath.Base(localPath)
	f.calls = append(f.calls, name)
	f.remotes = append(f.remotes, remotePath)
	if err, ok := f.fail[name]; ok {
		return err
	}
	return nil
}

func (f *fakeCopier) count(name string) int {
	var n int
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

type harness struct {
	dir    string
	now    time.Time
	copier *fakeCopier
	sent   *ledger.Ledger
	d      *Dispatcher
}

func newHarness(t *testing.T, companions ...string) *harness {
	t.Helper()
	h := &harness{
		dir:    t.TempDir(),
		now:    baseTime,
		copier: &fakeCopier{fail: map[string]error{}},
		sent:   ledger.New(),
	}
	clock := func() time.Time { return h.now }
	checker := stability.New(5 * time.Minute).WithClock(clock)
	h.d = New(Options{
		Dir:           h.dir,
		Suffix:        ".bak",
		RemoteDir:     "/srv/incoming",
		CompanionLogs: companions,
	}, checker, h.copier)
	h.d.now = clock
	return h
}

// file creates name in the watch directory, last modified age before now.
func (h *harness) file(t *testing.T, name string, age time.Duration) {
	t.Helper()
	path := filepath.Join(h.dir, name)
	require.NoError(t, os.WriteFile(path, []byte("content of "+name), 0o600))
	mtime := h.now.Add(-age)
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func (h *harness) pass(t *testing.T) (Report, error) {
	t.Helper()
	return h.d.RunPass(context.Background(), h.sent)
}

func connErr(msg string) error {
	return &transfer.ConnectionError{Op: "dial", Addr: "backup.example.com:22", Err: errors.New(msg)}
}

func TestRunPass_StableSentUnstableSkipped(t *testing.T) {
	h := newHarness(t)
	h.file(t, "a.bak", 10*time.Minute)
	h.file(t, "b.bak", time.Minute)

	rep, err := h.pass(t)
	require.NoError(t, err)

	assert.Equal(t, []string{"a.bak"}, h.copier.calls)
	assert.Equal(t, []string{"a.bak"}, h.sent.Names())
	assert.Equal(t, []string{"a.bak"}, rep.Sent)
	assert.Equal(t, []string{"b.bak"}, rep.Unstable)
	assert.Equal(t, 2, rep.Candidates)
	assert.False(t, rep.Aborted())
	assert.NotEmpty(t, rep.PassID)
}

func TestRunPass_SecondPassIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.file(t, "a.bak", 10*time.Minute)
	h.file(t, "b.bak", time.Minute)

	_, err := h.pass(t)
	require.NoError(t, err)

	rep, err := h.pass(t)
	require.NoError(t, err)

	assert.Equal(t, 1, h.copier.count("a.bak"), "a.bak must not be sent twice")
	assert.Equal(t, 0, h.copier.count("b.bak"))
	assert.Equal(t, []string{"b.bak"}, rep.Unstable)
	assert.Equal(t, 1, rep.Candidates)
	assert.Empty(t, rep.Sent)
}

func TestRunPass_FailureLeavesCandidateForRetry(t *testing.T) {
	h := newHarness(t)
	h.file(t, "a.bak", 10*time.Minute)
	h.copier.fail["a.bak"] = connErr("connection refused")

	rep, err := h.pass(t)
	require.Error(t, err)
	assert.True(t, transfer.IsConnection(err))
	assert.True(t, rep.Aborted())
	assert.Equal(t, "a.bak", rep.Failed)
	assert.Equal(t, 0, h.sent.Len(), "failed backup must not be ledgered")

	delete(h.copier.fail, "a.bak")
	rep, err = h.pass(t)
	require.NoError(t, err)
	assert.Empty(t, rep.Failed)
	assert.Equal(t, 2, h.copier.count("a.bak"), "a.bak should be retried on the next pass")
	assert.True(t, h.sent.Contains("a.bak"))
	assert.Equal(t, []string{"a.bak"}, rep.Sent)
}

func TestRunPass_CompanionFailureDoesNotBlock(t *testing.T) {
	h := newHarness(t, "backup.log")
	h.file(t, "a.bak", 10*time.Minute)
	h.file(t, "c.bak", 10*time.Minute)
	h.file(t, "backup.log", 10*time.Minute)
	h.copier.fail["backup.log"] = connErr("broken pipe")

	rep, err := h.pass(t)
	require.NoError(t, err)

	assert.Equal(t, []string{"a.bak", "backup.log", "c.bak", "backup.log"}, h.copier.calls)
	assert.Equal(t, []string{"a.bak", "c.bak"}, h.sent.Names())
	assert.Equal(t, 2, rep.LogFailures)
	assert.Equal(t, 0, rep.LogsSent)
	assert.False(t, rep.Aborted())
}

// --- Properties ---

func TestRunPass_LedgeredFilesAreNeverResent(t *testing.T) {
	h := newHarness(t)
	h.file(t, "a.bak", time.Hour)
	h.file(t, "b.bak", time.Hour)
	h.sent.Insert("a.bak")
	h.sent.Insert("b.bak")

	rep, err := h.pass(t)
	require.NoError(t, err)
	assert.Empty(t, h.copier.calls)
	assert.Equal(t, 0, rep.Candidates)
}

func TestRunPass_BecomesEligibleOnceAgeCrossesThreshold(t *testing.T) {
	h := newHarness(t)
	h.file(t, "b.bak", time.Minute)

	_, err := h.pass(t)
	require.NoError(t, err)
	assert.Empty(t, h.copier.calls)

	h.now = h.now.Add(3 * time.Minute)
	_, err = h.pass(t)
	require.NoError(t, err)
	assert.Empty(t, h.copier.calls, "4 minutes old is still under the threshold")

	h.now = h.now.Add(time.Minute)
	rep, err := h.pass(t)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.bak"}, rep.Sent)
	assert.True(t, h.sent.Contains("b.bak"))
}

func TestRunPass_FutureMtimeIsNotStable(t *testing.T) {
	h := newHarness(t)
	h.file(t, "skewed.bak", -time.Hour)

	rep, err := h.pass(t)
	require.NoError(t, err)
	assert.Empty(t, h.copier.calls)
	assert.Equal(t, []string{"skewed.bak"}, rep.Unstable)
}

func TestRunPass_AbortSkipsRemainingCandidates(t *testing.T) {
	h := newHarness(t)
	h.file(t, "a.bak", 10*time.Minute)
	h.file(t, "b.bak", 10*time.Minute)
	h.file(t, "c.bak", 10*time.Minute)
	h.copier.fail["b.bak"] = connErr("connection reset")

	rep, err := h.pass(t)
	require.Error(t, err)

	assert.Equal(t, []string{"a.bak", "b.bak"}, h.copier.calls, "c.bak must not be attempted after the abort")
	assert.Equal(t, []string{"a.bak"}, h.sent.Names(), "earlier successes stay ledgered")
	assert.Equal(t, []string{"a.bak"}, rep.Sent)
	assert.Equal(t, err, rep.Err)
}

func TestRunPass_NonConnectionRemoteErrorAborts(t *testing.T) {
	h := newHarness(t)
	h.file(t, "a.bak", 10*time.Minute)
	h.file(t, "b.bak", 10*time.Minute)
	h.copier.fail["a.bak"] = errors.New("permission denied")

	_, err := h.pass(t)
	require.Error(t, err)
	assert.Equal(t, []string{"a.bak"}, h.copier.calls)
	assert.Equal(t, 0, h.sent.Len())
}

func TestRunPass_LocalErrorSkipsFileOnly(t *testing.T) {
	h := newHarness(t)
	h.file(t, "a.bak", 10*time.Minute)
	h.file(t, "b.bak", 10*time.Minute)
	h.copier.fail["a.bak"] = &transfer.LocalError{Path: "a.bak", Err: os.ErrPermission}

	rep, err := h.pass(t)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.bak", "b.bak"}, h.copier.calls)
	assert.Equal(t, []string{"b.bak"}, h.sent.Names())
	assert.Equal(t, 1, rep.LocalSkips)
}

func TestRunPass_FileVanishedAfterListingIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.file(t, "a.bak", 10*time.Minute)
	h.file(t, "b.bak", 10*time.Minute)

	// a.bak is deleted after the directory was read but before it is stat'ed.
	h.d.list = func() ([]string, error) {
		names, err := h.d.listBackups()
		if err != nil {
			return nil, err
		}
		require.NoError(t, os.Remove(filepath.Join(h.dir, "a.bak")))
		return names, nil
	}

	rep, err := h.pass(t)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Candidates)
	assert.Equal(t, 1, rep.LocalSkips)
	assert.Equal(t, []string{"b.bak"}, h.copier.calls, "vanished file is never copied")
	assert.False(t, h.sent.Contains("a.bak"))
	assert.Equal(t, []string{"b.bak"}, h.sent.Names())
}

func TestRunPass_CompanionLogs(t *testing.T) {
	h := newHarness(t, "backup_fartak.log", "backup.log", "missing.log")
	h.file(t, "a.bak", 10*time.Minute)
	h.file(t, "backup_fartak.log", 10*time.Minute)
	h.file(t, "backup.log", time.Minute) // still being appended

	rep, err := h.pass(t)
	require.NoError(t, err)

	assert.Equal(t, []string{"a.bak", "backup_fartak.log"}, h.copier.calls)
	assert.Equal(t, []string{"/srv/incoming/a.bak", "/srv/incoming/backup_fartak.log"}, h.copier.remotes)
	assert.Equal(t, 1, rep.LogsSent)
	assert.False(t, h.sent.Contains("backup_fartak.log"), "companion logs are never ledgered")
}

func TestRunPass_CompanionLogsOnlyFollowSuccessfulBackups(t *testing.T) {
	h := newHarness(t, "backup.log")
	h.file(t, "a.bak", time.Minute)
	h.file(t, "backup.log", 10*time.Minute)

	_, err := h.pass(t)
	require.NoError(t, err)
	assert.Empty(t, h.copier.calls)
}

func TestRunPass_CompanionLogResentWithEveryBackup(t *testing.T) {
	h := newHarness(t, "backup.log")
	h.file(t, "a.bak", 10*time.Minute)
	h.file(t, "backup.log", 10*time.Minute)

	_, err := h.pass(t)
	require.NoError(t, err)

	h.file(t, "b.bak", 10*time.Minute)
	_, err = h.pass(t)
	require.NoError(t, err)

	assert.Equal(t, 2, h.copier.count("backup.log"))
	assert.Equal(t, 1, h.copier.count("a.bak"))
	assert.Equal(t, 1, h.copier.count("b.bak"))
}

func TestRunPass_NothingToDo(t *testing.T) {
	h := newHarness(t)

	rep, err := h.pass(t)
	require.NoError(t, err)
	assert.Empty(t, h.copier.calls)
	assert.Equal(t, 0, rep.Candidates)
	assert.False(t, rep.Aborted())
}

func TestRunPass_IgnoresOtherEntries(t *testing.T) {
	h := newHarness(t, "backup.log")
	h.file(t, "notes.txt", time.Hour)
	h.file(t, "a.bak.tmp", time.Hour)
	require.NoError(t, os.Mkdir(filepath.Join(h.dir, "old.bak"), 0o755))

	rep, err := h.pass(t)
	require.NoError(t, err)
	assert.Empty(t, h.copier.calls)
	assert.Equal(t, 0, rep.Candidates)
}

func TestRunPass_CompanionNamedLikeBackupIsNotACandidate(t *testing.T) {
	h := newHarness(t, "catalog.bak")
	h.file(t, "catalog.bak", time.Hour)

	rep, err := h.pass(t)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Candidates)
	assert.Empty(t, h.copier.calls)
}

func TestRunPass_UnreadableDirectory(t *testing.T) {
	h := newHarness(t)
	h.d.opts.Dir = filepath.Join(h.dir, "does-not-exist")

	rep, err := h.pass(t)
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.True(t, rep.Aborted())
}

func TestRunPass_CancelledContext(t *testing.T) {
	h := newHarness(t)
	h.file(t, "a.bak", 10*time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.d.RunPass(ctx, h.sent)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.copier.calls)
	assert.Equal(t, 0, h.sent.Len())
}

func TestRunPass_ReportTiming(t *testing.T) {
	h := newHarness(t)
	rep, err := h.pass(t)
	require.NoError(t, err)
	assert.Equal(t, baseTime, rep.StartedAt)
	assert.Equal(t, time.Duration(0), rep.Duration)
}

func TestRemotePath(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, "/srv/incoming/a.bak", h.d.RemotePath("a.bak"))

	h.d.opts.RemoteDir = "relative/dir/"
	assert.Equal(t, "relative/dir/a.bak", h.d.RemotePath("a.bak"))
}
