package lifecycle

import (
	"errors"
	"testing"

	"tableorder/internal/models"
)

var allStatuses = []models.OrderStatus{
	models.StatusPending,
	models.StatusReceived,
	models.StatusPreparing,
	models.StatusReady,
	models.StatusServed,
	models.StatusPaid,
	models.StatusCancelled,
	models.StatusRejected,
}

func rank(status models.OrderStatus) int {
	for i, s := range allStatuses[:6] {
		if s == status {
			return i
		}
	}
	return -1
}

func TestAdvance(t *testing.T) {
	cases := []struct {
		from models.OrderStatus
		to   models.OrderStatus
	}{
		{models.StatusPending, models.StatusReceived},
		{models.StatusReceived, models.StatusPreparing},
		{models.StatusPreparing, models.StatusReady},
		{models.StatusReady, models.StatusServed},
		{models.StatusServed, models.StatusPaid},
	}
	for _, tt := range cases {
		got, err := Advance(models.Order{Status: tt.from})
		if err != nil {
			t.Fatalf("Advance(%s) error: %v", tt.from, err)
		}
		if got != tt.to {
			t.Fatalf("Advance(%s)=%s, want %s", tt.from, got, tt.to)
		}
		if rank(got) <= rank(tt.from) {
			t.Fatalf("Advance(%s)=%s regresses", tt.from, got)
		}
	}
}

func TestAdvanceTerminal(t *testing.T) {
	for _, status := range []models.OrderStatus{models.StatusPaid, models.StatusCancelled, models.StatusRejected} {
		order := models.Order{Status: status}
		got, err := Advance(order)
		if !errors.Is(err, ErrTerminalState) {
			t.Fatalf("Advance(%s) err=%v, want ErrTerminalState", status, err)
		}
		if got != status || order.Status != status {
			t.Fatalf("Advance(%s) changed status to %s", status, got)
		}
	}
}

func TestAdvancePaidReportsTerminalState(t *testing.T) {
	order := models.Order{OrderID: "o-1", Status: models.StatusPaid}
	_, err := Advance(order)
	if err == nil || !errors.Is(err, ErrTerminalState) {
		t.Fatalf("expected terminal state error, got %v", err)
	}
	if order.Status != models.StatusPaid {
		t.Fatalf("expected status paid, got %s", order.Status)
	}
}

func TestAdvanceUnknown(t *testing.T) {
	if _, err := Advance(models.Order{Status: "bogus"}); !errors.Is(err, ErrUnknownStatus) {
		t.Fatalf("expected ErrUnknownStatus, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	for _, status := range allStatuses {
		got, err := Cancel(models.Order{Status: status})
		allowed := status == models.StatusPending || status == models.StatusReceived
		if allowed {
			if err != nil || got != models.StatusCancelled {
				t.Fatalf("Cancel(%s)=%s,%v want cancelled", status, got, err)
			}
			continue
		}
		if !errors.Is(err, ErrIllegalCancellation) {
			t.Fatalf("Cancel(%s) err=%v, want ErrIllegalCancellation", status, err)
		}
		if got != status {
			t.Fatalf("Cancel(%s) changed status to %s", status, got)
		}
	}
}

func TestReject(t *testing.T) {
	if got, err := Reject(models.Order{Status: models.StatusPending}); err != nil || got != models.StatusRejected {
		t.Fatalf("Reject(pending)=%s,%v", got, err)
	}
	if _, err := Reject(models.Order{Status: models.StatusReceived}); !errors.Is(err, ErrIllegalRejection) {
		t.Fatalf("expected ErrIllegalRejection, got %v", err)
	}
}

func TestValidTransition(t *testing.T) {
	cases := []struct {
		action string
		from   models.OrderStatus
		valid  bool
	}{
		{ActionAdvance, models.StatusPending, true},
		{ActionAdvance, models.StatusServed, true},
		{ActionAdvance, models.StatusPaid, false},
		{ActionCancel, models.StatusReceived, true},
		{ActionCancel, models.StatusPreparing, false},
		{ActionReject, models.StatusPending, true},
		{ActionReject, models.StatusReceived, false},
		{"unknown", models.StatusPending, false},
	}
	for _, tt := range cases {
		if got := ValidTransition(tt.action, tt.from); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.action, tt.from, got, tt.valid)
		}
	}
}

func TestActionLabels(t *testing.T) {
	action, ok := ActionFor(models.StatusServed)
	if !ok || action.Name != "checkout" || action.Target != models.StatusPaid {
		t.Fatalf("unexpected action for served: %+v", action)
	}
	if _, ok := ActionFor(models.StatusPaid); ok {
		t.Fatalf("expected no action for paid")
	}
}

func TestApplyUnknownAction(t *testing.T) {
	if _, err := Apply("refund", models.Order{Status: models.StatusServed}); err == nil {
		t.Fatalf("expected error for unknown action")
	}
}
