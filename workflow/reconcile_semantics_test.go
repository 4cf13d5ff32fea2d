package workflow

import (
	"sync"
	"testing"
)

// NOTE: These tests are intentionally DB-free. They validate the intended
// reconciliation semantics:
// - a replayed webhook applies the payment status change and stock decrement
//   exactly once (the conditional UPDATE is the idempotency gate)
// - every verified delivery still leaves an audit event
//
// Full DB integration coverage lives in order_lifecycle_regression_test.go
// (requires docker).

type fakePaymentStore struct {
	mu         sync.Mutex
	status     string
	events     int
	stockMoves int
}

// reconcile mimics reconcileCompleted: compare-and-set on the payment status,
// audit event always, stock effect only when the CAS won.
func (s *fakePaymentStore) reconcile() {
	s.mu.Lock()
	defer s.mu.Unlock()

	won := s.status != "completed"
	if won {
		s.status = "completed"
	}
	s.events++
	if won {
		s.stockMoves++
	}
}

func TestReplayedWebhookAppliesOnce(t *testing.T) {
	store := &fakePaymentStore{status: "pending"}

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.reconcile()
		}()
	}
	wg.Wait()

	if store.status != "completed" {
		t.Fatalf("expected completed, got %s", store.status)
	}
	if store.stockMoves != 1 {
		t.Fatalf("expected exactly 1 stock decrement, got %d", store.stockMoves)
	}
	if store.events != 25 {
		t.Fatalf("expected 25 audit events, got %d", store.events)
	}
}

// fakeOrderStore extends the CAS simulation with the order status the
// reconciler observes: the confirm transition only ever fires from pending,
// so a completion landing after a cancel records the charge but leaves the
// order (and the ledger) alone.
type fakeOrderStore struct {
	mu            sync.Mutex
	paymentStatus string
	orderStatus   string
	events        int
	saleMoves     int
}

func (s *fakeOrderStore) completeWebhook() {
	s.mu.Lock()
	defer s.mu.Unlock()

	won := s.paymentStatus != "completed"
	if won {
		s.paymentStatus = "completed"
	}
	s.events++
	if won && s.orderStatus == "pending" {
		s.orderStatus = "confirmed"
		s.saleMoves++
	}
}

func (s *fakeOrderStore) cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.orderStatus == "pending" {
		s.orderStatus = "cancelled"
	}
}

func TestLateWebhookLeavesCancelledOrderUntouched(t *testing.T) {
	// Sweep (or admin) cancels the stale pending order, then the customer's
	// payment completes inside the session window. The charge must land on
	// the payment, the cancelled order must stay cancelled, and no sale move
	// may fire: cancelled → confirmed carries no ledger effect, so driving it
	// would desync stock from the confirmed order.
	store := &fakeOrderStore{paymentStatus: "pending", orderStatus: "pending"}

	store.cancel()
	store.completeWebhook()

	if store.paymentStatus != "completed" {
		t.Fatalf("expected payment completed, got %s", store.paymentStatus)
	}
	if store.orderStatus != "cancelled" {
		t.Fatalf("expected order to stay cancelled, got %s", store.orderStatus)
	}
	if store.saleMoves != 0 {
		t.Fatalf("expected no sale moves, got %d", store.saleMoves)
	}
	if store.events != 1 {
		t.Fatalf("expected 1 audit event, got %d", store.events)
	}
}

func TestWebhookAndAdminConfirmRaceAppliesOnce(t *testing.T) {
	// A webhook and a concurrent admin status change race for the same
	// pending → confirmed transition. The conditional update means whichever
	// writes first wins and the loser is a benign no-op.
	store := &fakePaymentStore{status: "pending"}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); store.reconcile() }()
	go func() { defer wg.Done(); store.reconcile() }()
	wg.Wait()

	if store.stockMoves != 1 {
		t.Fatalf("expected exactly 1 stock decrement, got %d", store.stockMoves)
	}
}
