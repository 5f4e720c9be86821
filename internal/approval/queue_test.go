package approval

import (
	"errors"
	"math/rand"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codefionn/warden/internal/classify"
	"github.com/codefionn/warden/internal/logger"
	"github.com/codefionn/warden/internal/store"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	log, err := logger.New(logger.LevelNone, "", "")
	if err != nil {
		t.Fatalf("creating logger: %v", err)
	}
	return New(st, Config{TTL: time.Hour, ClaimWindow: 10 * time.Minute}, log)
}

func moderateResult(raw string) classify.Result {
	c := classify.New(classify.Options{})
	return c.Classify(raw)
}

func TestSubmitAndGet(t *testing.T) {
	q := newTestQueue(t)

	item, err := q.Submit(moderateResult("git commit -m 'test'"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if item.Status != StatusPending {
		t.Errorf("expected pending, got %s", item.Status)
	}
	if item.Risk != classify.RiskModerate {
		t.Errorf("expected moderate risk, got %s", item.Risk)
	}

	got, err := q.Get(item.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Command != "git commit -m 'test'" {
		t.Errorf("round trip lost the command: %q", got.Command)
	}
	if got.Classification.Risk != classify.RiskModerate {
		t.Errorf("round trip lost the classification: %s", got.Classification.Risk)
	}
}

func TestSubmitRefusesBlocked(t *testing.T) {
	q := newTestQueue(t)
	if _, err := q.Submit(moderateResult("rm -rf /")); !errors.Is(err, ErrBlockedCommand) {
		t.Errorf("expected ErrBlockedCommand, got %v", err)
	}
}

func TestApproveLifecycle(t *testing.T) {
	q := newTestQueue(t)
	item, _ := q.Submit(moderateResult("mkdir build"))

	approved, err := q.Approve(item.ID, "alice")
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if approved.Status != StatusApproved || approved.ApprovedBy != "alice" {
		t.Errorf("unexpected approval state: %+v", approved)
	}

	claimed, err := q.Claim(item.ID)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if claimed.Status != StatusExecuting {
		t.Errorf("expected executing, got %s", claimed.Status)
	}

	if err := q.Finish(item.ID, StatusCompleted, "cp-123"); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	final, _ := q.Get(item.ID)
	if final.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", final.Status)
	}
	if final.CheckpointID != "cp-123" {
		t.Errorf("expected checkpoint recorded, got %q", final.CheckpointID)
	}
}

func TestApproveNonPendingConflicts(t *testing.T) {
	q := newTestQueue(t)
	item, _ := q.Submit(moderateResult("mkdir build"))

	if err := q.Reject(item.ID, "not needed"); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if _, err := q.Approve(item.ID, "alice"); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict approving a rejected item, got %v", err)
	}
}

func TestRejectIsIdempotent(t *testing.T) {
	q := newTestQueue(t)
	item, _ := q.Submit(moderateResult("mkdir build"))

	if err := q.Reject(item.ID, "first"); err != nil {
		t.Fatalf("first Reject failed: %v", err)
	}
	if err := q.Reject(item.ID, "second"); err != nil {
		t.Errorf("second Reject should be a no-op, got %v", err)
	}
	got, _ := q.Get(item.ID)
	if got.Reason != "first" {
		t.Errorf("second reject must not overwrite the reason, got %q", got.Reason)
	}
}

func TestApproveExpiredItem(t *testing.T) {
	q := newTestQueue(t)
	item, _ := q.Submit(moderateResult("mkdir build"))

	// Move the clock past the TTL.
	q.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	if _, err := q.Approve(item.ID, "alice"); !errors.Is(err, ErrExpired) {
		t.Errorf("expected ErrExpired, got %v", err)
	}
	got, _ := q.Get(item.ID)
	if got.Status != StatusExpired {
		t.Errorf("expected item marked expired, got %s", got.Status)
	}
}

func TestClaimWindowExpiry(t *testing.T) {
	q := newTestQueue(t)
	item, _ := q.Submit(moderateResult("mkdir build"))
	if _, err := q.Approve(item.ID, "alice"); err != nil {
		t.Fatal(err)
	}

	q.now = func() time.Time { return time.Now().Add(30 * time.Minute) }

	if _, err := q.Claim(item.ID); !errors.Is(err, ErrExpired) {
		t.Errorf("expected ErrExpired past claim window, got %v", err)
	}
}

func TestConcurrentApproveOnlyOneWins(t *testing.T) {
	q := newTestQueue(t)
	item, _ := q.Submit(moderateResult("mkdir build"))

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = q.Approve(item.ID, "worker")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrConflict) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("expected exactly one winning approve, got %d", wins)
	}
}

func TestConcurrentClaimOnlyOneWins(t *testing.T) {
	q := newTestQueue(t)
	item, _ := q.Submit(moderateResult("mkdir build"))
	if _, err := q.Approve(item.ID, "alice"); err != nil {
		t.Fatal(err)
	}

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = q.Claim(item.ID)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("expected exactly one winning claim, got %d", wins)
	}
}

func TestApproveNeverWinsPastExpiry(t *testing.T) {
	q := newTestQueue(t)

	base := time.Now()
	var late atomic.Bool
	q.now = func() time.Time {
		if late.Load() {
			return base.Add(2 * time.Hour)
		}
		return base
	}

	// Race approvers against the sweeper over many randomized schedules.
	// Once the TTL has passed, no interleaving may leave the item approved.
	const workers = 4
	for i := 0; i < 25; i++ {
		late.Store(false)
		item, err := q.Submit(moderateResult("mkdir build"))
		if err != nil {
			t.Fatal(err)
		}
		late.Store(true)

		var wg sync.WaitGroup
		approveErrs := make([]error, workers)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				time.Sleep(time.Duration(rand.Intn(500)) * time.Microsecond)
				_, approveErrs[w] = q.Approve(item.ID, "racer")
			}(w)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(time.Duration(rand.Intn(500)) * time.Microsecond)
			if _, err := q.SweepExpired(); err != nil {
				t.Errorf("SweepExpired failed: %v", err)
			}
		}()
		wg.Wait()

		for w, err := range approveErrs {
			if err == nil {
				t.Fatalf("iteration %d: approver %d won past the TTL", i, w)
			}
			if !errors.Is(err, ErrExpired) && !errors.Is(err, ErrConflict) {
				t.Errorf("iteration %d: unexpected approve error: %v", i, err)
			}
		}
		got, err := q.Get(item.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != StatusExpired {
			t.Fatalf("iteration %d: expected expired, got %s", i, got.Status)
		}
	}
}

func TestSweepExpired(t *testing.T) {
	q := newTestQueue(t)
	a, _ := q.Submit(moderateResult("mkdir one"))
	b, _ := q.Submit(moderateResult("mkdir two"))
	if _, err := q.Approve(b.ID, "alice"); err != nil {
		t.Fatal(err)
	}

	q.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	n, err := q.SweepExpired()
	if err != nil {
		t.Fatalf("SweepExpired failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 swept items, got %d", n)
	}
	for _, id := range []string{a.ID, b.ID} {
		got, _ := q.Get(id)
		if got.Status != StatusExpired {
			t.Errorf("item %s: expected expired, got %s", id, got.Status)
		}
	}
}

func TestAutonomyTokenAutoApproves(t *testing.T) {
	q := newTestQueue(t)
	tok, err := q.GrantToken("alice", classify.RiskModerate, "", time.Hour)
	if err != nil {
		t.Fatalf("GrantToken failed: %v", err)
	}

	item, err := q.Submit(moderateResult("git commit -m 'covered'"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if item.Status != StatusApproved {
		t.Errorf("expected token auto-approval, got %s", item.Status)
	}
	if item.AutonomyToken != tok.ID {
		t.Errorf("expected token %s recorded, got %q", tok.ID, item.AutonomyToken)
	}
}

func TestAutonomyTokenNeverCoversDangerous(t *testing.T) {
	q := newTestQueue(t)
	if _, err := q.GrantToken("alice", classify.RiskDangerous, "", time.Hour); !errors.Is(err, ErrTokenRiskTooHigh) {
		t.Fatalf("expected ErrTokenRiskTooHigh, got %v", err)
	}

	// A moderate token must not cover a dangerous command.
	if _, err := q.GrantToken("alice", classify.RiskModerate, "", time.Hour); err != nil {
		t.Fatal(err)
	}
	item, err := q.Submit(moderateResult("git push --force origin main"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if item.Status != StatusPending {
		t.Errorf("dangerous command must stay pending, got %s", item.Status)
	}
}

func TestAutonomyTokenPathScope(t *testing.T) {
	q := newTestQueue(t)
	if _, err := q.GrantToken("alice", classify.RiskModerate, "/srv/project", time.Hour); err != nil {
		t.Fatal(err)
	}

	inside, _ := q.Submit(moderateResult("mkdir /srv/project/build"))
	if inside.Status != StatusApproved {
		t.Errorf("in-scope command should auto-approve, got %s", inside.Status)
	}

	outside, _ := q.Submit(moderateResult("mkdir /opt/elsewhere"))
	if outside.Status != StatusPending {
		t.Errorf("out-of-scope command must stay pending, got %s", outside.Status)
	}
}

func TestRevokedTokenStopsCovering(t *testing.T) {
	q := newTestQueue(t)
	tok, err := q.GrantToken("alice", classify.RiskModerate, "", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.RevokeToken(tok.ID); err != nil {
		t.Fatalf("RevokeToken failed: %v", err)
	}

	item, _ := q.Submit(moderateResult("git commit -m 'after revoke'"))
	if item.Status != StatusPending {
		t.Errorf("revoked token must not approve, got %s", item.Status)
	}
}

func TestListPendingOrder(t *testing.T) {
	q := newTestQueue(t)

	base := time.Now()
	q.now = func() time.Time { return base }
	first, _ := q.Submit(moderateResult("mkdir one"))
	q.now = func() time.Time { return base.Add(time.Second) }
	second, _ := q.Submit(moderateResult("mkdir two"))

	pending, err := q.ListPending(PendingFilter{})
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}
	if pending[0].ID != first.ID || pending[1].ID != second.ID {
		t.Error("expected oldest-first ordering")
	}
}

func TestListPendingFilters(t *testing.T) {
	q := newTestQueue(t)
	write, _ := q.Submit(moderateResult("mkdir build"))
	force, _ := q.Submit(moderateResult("git push --force origin main"))

	byRisk, err := q.ListPending(PendingFilter{Risk: classify.RiskDangerous.String()})
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(byRisk) != 1 || byRisk[0].ID != force.ID {
		t.Errorf("risk filter should match only the dangerous item, got %d", len(byRisk))
	}

	byType, err := q.ListPending(PendingFilter{CommandType: classify.TypeFileWrite})
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(byType) != 1 || byType[0].ID != write.ID {
		t.Errorf("type filter should match only the mkdir item, got %d", len(byType))
	}

	limited, err := q.ListPending(PendingFilter{Limit: 1})
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limit should cap the result, got %d", len(limited))
	}
}
