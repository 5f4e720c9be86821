package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/codefionn/warden/internal/classify"
	"github.com/codefionn/warden/internal/logger"
	"github.com/codefionn/warden/internal/rollback"
	"github.com/codefionn/warden/internal/store"
)

func newTestExecutor(t *testing.T) (*Executor, *rollback.Manager) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	log, err := logger.New(logger.LevelNone, "", "")
	if err != nil {
		t.Fatal(err)
	}
	rb, err := rollback.NewManager(st, filepath.Join(t.TempDir(), "backups"), log)
	if err != nil {
		t.Fatal(err)
	}
	return New(rb, log), rb
}

func testContext(workDir string) Context {
	return Context{
		WorkingDir:   workDir,
		SafePathDirs: []string{"/usr/bin", "/bin", "/usr/local/bin"},
		Limits: Limits{
			Timeout:        10 * time.Second,
			MaxOutputBytes: 1 << 20,
		},
	}
}

func classified(raw string) classify.Result {
	return classify.New(classify.Options{}).Classify(raw)
}

func TestExecuteEchoesOutput(t *testing.T) {
	e, _ := newTestExecutor(t)
	res, err := e.Execute(context.Background(), classified("echo hello"),
		testContext(t.TempDir()), "item-1")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Errorf("expected success, got %s (%s)", res.Status, res.BlockedReason)
	}
	if res.ExitCode != 0 {
		t.Errorf("expected exit 0, got %d", res.ExitCode)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("expected 'hello', got %q", res.Stdout)
	}
}

func TestExecuteBlockedNeverSpawns(t *testing.T) {
	e, _ := newTestExecutor(t)
	dir := t.TempDir()
	marker := filepath.Join(dir, "marker")

	res, err := e.Execute(context.Background(),
		classified("echo pwned > /etc/cron.d/x && touch "+marker),
		testContext(dir), "item-2")
	if !errors.Is(err, ErrBlockedByPolicy) {
		t.Fatalf("expected ErrBlockedByPolicy, got %v", err)
	}
	if res.Status != StatusBlocked {
		t.Errorf("expected blocked status, got %s", res.Status)
	}
	if _, statErr := os.Stat(marker); !os.IsNotExist(statErr) {
		t.Error("blocked command must not have run")
	}
}

func TestExecuteFailureExitCode(t *testing.T) {
	e, _ := newTestExecutor(t)
	res, err := e.Execute(context.Background(), classified("ls /definitely/not/a/path"),
		testContext(t.TempDir()), "item-3")
	if err != nil {
		t.Fatalf("non-zero exit is a result, not an error: %v", err)
	}
	if res.Status != StatusFailed {
		t.Errorf("expected failed, got %s", res.Status)
	}
	if res.ExitCode == 0 {
		t.Error("expected non-zero exit code")
	}
	if res.Stderr == "" {
		t.Error("expected stderr captured")
	}
}

func TestExecuteTimeoutKillsProcess(t *testing.T) {
	e, _ := newTestExecutor(t)
	ec := testContext(t.TempDir())
	ec.Limits.Timeout = 200 * time.Millisecond

	start := time.Now()
	res, err := e.Execute(context.Background(), classified("sleep 30"), ec, "item-4")
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if res.Status != StatusTimeout {
		t.Errorf("expected timeout status, got %s", res.Status)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("process not killed promptly, took %s", elapsed)
	}
}

func TestExecuteOutputCap(t *testing.T) {
	e, _ := newTestExecutor(t)
	ec := testContext(t.TempDir())
	ec.Limits.MaxOutputBytes = 256

	res, err := e.Execute(context.Background(),
		classified("seq 1 10000"), ec, "item-5")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !res.Truncated {
		t.Error("expected truncated output")
	}
	if int64(len(res.Stdout)) > 256+int64(len(truncationMarker)) {
		t.Errorf("stdout exceeds cap: %d bytes", len(res.Stdout))
	}
	if !strings.Contains(res.Stdout, "[output truncated]") {
		t.Error("expected truncation marker")
	}
}

func TestExecuteSanitizedEnvironment(t *testing.T) {
	e, _ := newTestExecutor(t)
	t.Setenv("LEAKY_API_KEY", "super-secret")

	ec := testContext(t.TempDir())
	ec.SensitiveEnvVars = []string{"LEAKY_API_KEY"}

	res, err := e.Execute(context.Background(),
		classified("echo ${LEAKY_API_KEY:-scrubbed}"), ec, "item-6")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "scrubbed" {
		t.Errorf("sensitive variable leaked into child: %q", res.Stdout)
	}
}

func TestExecuteRestrictedPath(t *testing.T) {
	e, _ := newTestExecutor(t)
	ec := testContext(t.TempDir())

	res, err := e.Execute(context.Background(), classified("echo $PATH"), ec, "item-7")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "/usr/bin:/bin:/usr/local/bin" {
		t.Errorf("PATH not restricted: %q", res.Stdout)
	}
}

func TestExecuteMutationOutsideRootsRefused(t *testing.T) {
	e, _ := newTestExecutor(t)
	root := t.TempDir()
	outside := filepath.Join(t.TempDir(), "victim.txt")

	ec := testContext(root)
	ec.AllowedPathRoots = []string{root}

	res, err := e.Execute(context.Background(),
		classified("touch "+outside), ec, "item-8")
	if !errors.Is(err, ErrBlockedByPolicy) {
		t.Fatalf("expected ErrBlockedByPolicy, got %v", err)
	}
	if res.Status != StatusBlocked {
		t.Errorf("expected blocked, got %s", res.Status)
	}
	if _, statErr := os.Stat(outside); !os.IsNotExist(statErr) {
		t.Error("file outside roots must not have been created")
	}
}

func TestExecuteWorkingDirOutsideRootsRefused(t *testing.T) {
	e, _ := newTestExecutor(t)
	ec := testContext(t.TempDir())
	ec.AllowedPathRoots = []string{filepath.Join(t.TempDir(), "other-root")}

	_, err := e.Execute(context.Background(), classified("echo hi"), ec, "item-9")
	if !errors.Is(err, ErrBlockedByPolicy) {
		t.Errorf("expected ErrBlockedByPolicy, got %v", err)
	}
}

func TestExecuteDryRun(t *testing.T) {
	e, _ := newTestExecutor(t)
	dir := t.TempDir()
	target := filepath.Join(dir, "would-be.txt")

	ec := testContext(dir)
	ec.DryRun = true

	res, err := e.Execute(context.Background(), classified("touch "+target), ec, "item-10")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Status != StatusDryRun {
		t.Errorf("expected dry_run, got %s", res.Status)
	}
	if _, statErr := os.Stat(target); !os.IsNotExist(statErr) {
		t.Error("dry run must not touch the filesystem")
	}
	if res.CheckpointID != "" {
		t.Error("dry run must not create a checkpoint")
	}
}

func TestExecuteMutationCreatesCheckpoint(t *testing.T) {
	e, rb := newTestExecutor(t)
	dir := t.TempDir()

	res, err := e.Execute(context.Background(),
		classified("touch ./created.txt"), testContext(dir), "item-11")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("expected success, got %s (%s)", res.Status, res.BlockedReason)
	}
	if res.CheckpointID == "" {
		t.Fatal("expected a checkpoint for a mutating command")
	}

	created := filepath.Join(dir, "created.txt")
	if _, err := os.Stat(created); err != nil {
		t.Fatalf("command should have created the file: %v", err)
	}

	if err := rb.Rollback(res.CheckpointID); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if _, err := os.Stat(created); !os.IsNotExist(err) {
		t.Error("rollback should have removed the created file")
	}
}

func TestExecuteBackupFailureNeverSpawns(t *testing.T) {
	e, _ := newTestExecutor(t)
	dir := t.TempDir()

	// The first mutation target is a directory, which cannot be backed
	// up as a file. The sentinel would only exist if the command ran.
	unbackable := filepath.Join(dir, "a-directory")
	if err := os.Mkdir(unbackable, 0755); err != nil {
		t.Fatal(err)
	}
	sentinel := filepath.Join(dir, "z-sentinel")

	res, err := e.Execute(context.Background(),
		classified("mv "+unbackable+" "+sentinel), testContext(dir), "item-12")
	if !errors.Is(err, rollback.ErrBackupFailed) {
		t.Fatalf("expected ErrBackupFailed, got %v", err)
	}
	if res.Status != StatusFailed {
		t.Errorf("expected failed status, got %s", res.Status)
	}
	if _, statErr := os.Stat(sentinel); !os.IsNotExist(statErr) {
		t.Error("command must not have run after a backup failure")
	}
}

func TestExecuteTildeTargetOutsideRootsRefused(t *testing.T) {
	e, rb := newTestExecutor(t)
	root := t.TempDir()
	home := t.TempDir()
	t.Setenv("HOME", home)

	ec := testContext(root)
	ec.AllowedPathRoots = []string{root}

	res, err := e.Execute(context.Background(),
		classified("touch ~/victim.txt"), ec, "item-13")
	if !errors.Is(err, ErrBlockedByPolicy) {
		t.Fatalf("expected ErrBlockedByPolicy, got %v", err)
	}
	if res.Status != StatusBlocked {
		t.Errorf("expected blocked, got %s", res.Status)
	}
	if _, statErr := os.Stat(filepath.Join(home, "victim.txt")); !os.IsNotExist(statErr) {
		t.Error("file under HOME must not have been created")
	}
	cps, err := rb.List(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(cps) != 0 {
		t.Errorf("refused command must not leave checkpoints, found %d", len(cps))
	}
}

func TestExecuteTildeTargetInsideRootIsBackedUp(t *testing.T) {
	e, _ := newTestExecutor(t)
	home := t.TempDir()
	t.Setenv("HOME", home)

	ec := testContext(home)
	ec.AllowedPathRoots = []string{home}

	res, err := e.Execute(context.Background(),
		classified("touch ~/note.txt"), ec, "item-14")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("expected success, got %s (%s)", res.Status, res.BlockedReason)
	}
	if res.CheckpointID == "" {
		t.Error("resolved tilde target must be checkpointed before the run")
	}
	if _, err := os.Stat(filepath.Join(home, "note.txt")); err != nil {
		t.Errorf("command should have created the file: %v", err)
	}
}

func TestExecuteTildeTargetWithoutHomeRefused(t *testing.T) {
	e, _ := newTestExecutor(t)
	dir := t.TempDir()
	t.Setenv("HOME", "")

	res, err := e.Execute(context.Background(),
		classified("touch ~/unresolvable.txt"), testContext(dir), "item-15")
	if !errors.Is(err, ErrBlockedByPolicy) {
		t.Fatalf("expected ErrBlockedByPolicy, got %v", err)
	}
	if res.Status != StatusBlocked {
		t.Errorf("expected blocked, got %s", res.Status)
	}
}

func TestMutationRootsKeyedOnTargets(t *testing.T) {
	rootA := t.TempDir()
	rootB := t.TempDir()
	roots := []string{rootA, rootB}

	got := mutationRoots([]string{filepath.Join(rootB, "shared.txt")}, rootA, roots)
	if len(got) != 1 || got[0] != filepath.Clean(rootB) {
		t.Errorf("lock must follow the target's root %s, got %v", rootB, got)
	}

	// No extractable targets: fall back to the working directory's root.
	got = mutationRoots(nil, rootA, roots)
	if len(got) != 1 || got[0] != filepath.Clean(rootA) {
		t.Errorf("expected fallback to working directory root %s, got %v", rootA, got)
	}

	// Targets spanning both roots lock both, in stable sorted order.
	got = mutationRoots([]string{
		filepath.Join(rootB, "b.txt"),
		filepath.Join(rootA, "a.txt"),
	}, rootA, roots)
	if len(got) != 2 || !sort.StringsAreSorted(got) {
		t.Errorf("expected both roots in sorted order, got %v", got)
	}
}

func TestExecuteSerializesMutationsOnSharedTargetRoot(t *testing.T) {
	e, _ := newTestExecutor(t)
	rootA := t.TempDir()
	rootB := t.TempDir()
	shared := filepath.Join(rootB, "order.log")

	// Both commands mutate under rootB while running from different
	// working directories. If the lock followed the working directory
	// instead of the targets, the writes would interleave.
	raw := fmt.Sprintf("echo start >> %s; sleep 0.2; echo end >> %s", shared, shared)

	run := func(workDir string, out chan<- error) {
		ec := testContext(workDir)
		ec.AllowedPathRoots = []string{rootA, rootB}
		_, err := e.Execute(context.Background(), classified(raw), ec, "item-16")
		out <- err
	}

	errs := make(chan error, 2)
	go run(rootA, errs)
	go run(rootB, errs)
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
	}

	data, err := os.ReadFile(shared)
	if err != nil {
		t.Fatal(err)
	}
	want := "start\nend\nstart\nend\n"
	if string(data) != want {
		t.Errorf("writes interleaved:\n%q", data)
	}
}

func TestSanitizedEnvDropsSensitive(t *testing.T) {
	t.Setenv("SECRET_TOKEN", "hush")
	t.Setenv("HARMLESS_VAR", "ok")

	env := SanitizedEnv("/work", []string{"/usr/bin"},
		[]string{"HARMLESS_VAR", "SECRET_TOKEN"}, []string{"SECRET_TOKEN"})

	joined := strings.Join(env, "\n")
	if strings.Contains(joined, "SECRET_TOKEN") {
		t.Errorf("deny-list must beat the whitelist: %s", joined)
	}
	if !strings.Contains(joined, "HARMLESS_VAR=ok") {
		t.Errorf("whitelisted variable missing: %s", joined)
	}
	if !strings.Contains(joined, "PATH=/usr/bin") {
		t.Errorf("expected restricted PATH: %s", joined)
	}
}

func TestCappedBuffer(t *testing.T) {
	b := newCappedBuffer(10)
	n, err := b.Write([]byte("0123456789ABCDEF"))
	if err != nil || n != 16 {
		t.Fatalf("writes must never fail: n=%d err=%v", n, err)
	}
	if !b.Truncated() {
		t.Error("expected truncation")
	}
	if !strings.HasPrefix(b.String(), "0123456789") {
		t.Errorf("kept bytes wrong: %q", b.String())
	}

	// Subsequent writes are swallowed.
	if n, _ := b.Write([]byte("more")); n != 4 {
		t.Error("swallowed write must still report success")
	}
}
