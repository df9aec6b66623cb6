package hostmanager

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/oriys/kbisect/internal/circuitbreaker"
	"github.com/oriys/kbisect/internal/power"
)

// stubController lets tests force a Recover outcome without touching a
// real power backend.
type stubController struct {
	power.Controller
	cycleErr error
}

func (s *stubController) PowerCycle(ctx context.Context) error { return s.cycleErr }

func newTestRoster(names ...string) *Roster {
	r := &Roster{managers: make(map[string]*Manager, len(names))}
	for _, n := range names {
		r.managers[n] = &Manager{Name: n, Power: &stubController{}}
		r.order = append(r.order, n)
	}
	return r
}

func TestDesignatedReturnsTheDesignatedHost(t *testing.T) {
	r := newTestRoster("host-a", "host-b")
	r.managers["host-b"].Designated = true

	d, err := r.Designated()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Name != "host-b" {
		t.Fatalf("got %q, want host-b", d.Name)
	}
}

func TestDesignatedErrorsWithoutOne(t *testing.T) {
	r := newTestRoster("host-a")
	if _, err := r.Designated(); err == nil {
		t.Fatal("expected error: no designated host")
	}
}

func TestAllPreservesConfiguredOrder(t *testing.T) {
	r := newTestRoster("host-c", "host-a", "host-b")
	all := r.All()
	got := []string{all[0].Name, all[1].Name, all[2].Name}
	want := []string{"host-c", "host-a", "host-b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order mismatch: got %v, want %v", got, want)
		}
	}
}

func TestRecordResultIsNilSafeWithoutBreaker(t *testing.T) {
	m := &Manager{Name: "host-a"}
	m.RecordResult(circuitbreaker.KindBuild, true)  // should not panic
	m.RecordResult(circuitbreaker.KindBuild, false) // should not panic
	if m.Quarantined() {
		t.Fatal("host without a breaker is never quarantined")
	}
	if m.QuarantineDiagnosis() != "" {
		t.Fatal("expected no diagnosis for a non-quarantined host")
	}
}

func TestQuarantinedReflectsBreakerState(t *testing.T) {
	b := circuitbreaker.New(circuitbreaker.Config{
		ErrorPct:       50,
		WindowDuration: 10_000_000_000,
		OpenDuration:   10_000_000_000,
		HalfOpenProbes: 1,
	})
	m := &Manager{Name: "host-a", Breaker: b}

	m.RecordResult(circuitbreaker.KindBoot, false)
	m.RecordResult(circuitbreaker.KindBoot, false)

	if !m.Quarantined() {
		t.Fatal("expected host to be quarantined after repeated failures")
	}
	if diag := m.QuarantineDiagnosis(); !strings.Contains(diag, "boot") {
		t.Fatalf("expected diagnosis to name the dominant failure kind, got %q", diag)
	}
}

func TestRecoverPropagatesPowerError(t *testing.T) {
	wantErr := errors.New("bmc unreachable")
	m := &Manager{Name: "host-a", Power: &stubController{cycleErr: wantErr}}

	err := m.Recover(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestRecoverSucceedsWhenPowerCycleSucceeds(t *testing.T) {
	m := &Manager{Name: "host-a", Power: &stubController{}}
	if err := m.Recover(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
