package actuator

import (
	"errors"
	"testing"
	"time"

	"github.com/thatsimonsguy/flush-controller/internal/gpio"
	"github.com/thatsimonsguy/flush-controller/internal/model"
	"github.com/thatsimonsguy/flush-controller/internal/shiftreg"
)

const stepPin = 7

func testConfig() model.ActuatorConfig {
	return model.ActuatorConfig{
		Name:           "test-valve",
		StepPin:        model.GPIOPin{Number: stepPin, ActiveHigh: true},
		DirBit:         0,
		EnableBit:      0,
		StepsPerTravel: 100,
		MaxStepRate:    1000,
		HomeBackoff:    10,
		Positions:      []int{0, 20, 40, 60, 80, 100},
	}
}

type harness struct {
	bank   *shiftreg.Bank
	pulses int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{}
	gpio.Mock(
		func(pin int, high bool) {
			if pin == stepPin && high {
				h.pulses++
			}
		},
		func(pin int) bool { return false },
	)
	t.Cleanup(gpio.Reset)
	h.bank = shiftreg.New(1, 2, 3)
	return h
}

// drive calls Step until the motion ends, advancing time well past each step
// interval. Returns the last error and the number of Step calls made.
func drive(t *testing.T, a *Actuator, start time.Time) (time.Time, error) {
	t.Helper()
	now := start
	for i := 0; i < 100000; i++ {
		done, err := a.Step(now)
		if err != nil {
			return now, err
		}
		if done && !a.Busy() {
			return now, nil
		}
		now = now.Add(10 * time.Millisecond)
	}
	t.Fatal("motion did not finish")
	return now, nil
}

func TestHomeWithoutLimitCompletesAfterBudget(t *testing.T) {
	h := newHarness(t)
	a := New(testConfig(), h.bank, nil)
	start := time.Unix(0, 0)

	a.Home(start)
	if _, err := drive(t, a, start); err != nil {
		t.Fatalf("homing failed: %v", err)
	}

	if !a.Homed() {
		t.Fatal("actuator should be homed")
	}
	if a.Position() != 0 {
		t.Fatalf("position after homing = %d, want 0", a.Position())
	}
	want := testConfig().StepsPerTravel + testConfig().HomeBackoff
	if h.pulses != want {
		t.Fatalf("homing emitted %d pulses, want %d", h.pulses, want)
	}
}

func TestHomeStopsOnLimitInput(t *testing.T) {
	h := newHarness(t)
	hit := false
	a := New(testConfig(), h.bank, func() bool { return hit })
	start := time.Unix(0, 0)

	a.Home(start)
	now := start
	for h.pulses < 30 {
		if _, err := a.Step(now); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		now = now.Add(10 * time.Millisecond)
	}
	hit = true
	if _, err := drive(t, a, now); err != nil {
		t.Fatalf("homing failed: %v", err)
	}

	if !a.Homed() || a.Position() != 0 {
		t.Fatalf("homed=%v position=%d after limit hit", a.Homed(), a.Position())
	}
	if h.pulses != 30 {
		t.Fatalf("emitted %d pulses after limit assert, want 30", h.pulses)
	}
}

func TestHomeTimesOutWhenLimitNeverAsserts(t *testing.T) {
	h := newHarness(t)
	a := New(testConfig(), h.bank, func() bool { return false })
	start := time.Unix(0, 0)

	a.Home(start)
	_, err := drive(t, a, start)

	var herr *model.HomingTimeoutError
	if !errors.As(err, &herr) {
		t.Fatalf("expected HomingTimeoutError, got %v", err)
	}
	if herr.Actuator != "test-valve" {
		t.Fatalf("error names actuator %q", herr.Actuator)
	}
	if a.Homed() {
		t.Fatal("actuator must not report homed after a timeout")
	}
	if a.Busy() {
		t.Fatal("motion should be finished after a timeout")
	}
}

func TestSeekRefusedBeforeHoming(t *testing.T) {
	h := newHarness(t)
	a := New(testConfig(), h.bank, nil)

	err := a.Seek(20, time.Unix(0, 0))
	if !errors.Is(err, model.ErrNotHomed) {
		t.Fatalf("expected ErrNotHomed, got %v", err)
	}
	if h.pulses != 0 {
		t.Fatal("refused seek must not emit pulses")
	}
}

func TestSeekChainEmitsExactStepCounts(t *testing.T) {
	h := newHarness(t)
	a := New(testConfig(), h.bank, nil)
	start := time.Unix(0, 0)

	a.Home(start)
	now, _ := drive(t, a, start)
	h.pulses = 0

	for _, step := range []struct {
		target int
		want   int
	}{
		{20, 20},  // open 20
		{60, 40},  // open 40 more
		{0, 60},   // close all the way back
	} {
		before := h.pulses
		if err := a.Seek(step.target, now); err != nil {
			t.Fatalf("seek to %d: %v", step.target, err)
		}
		now, _ = drive(t, a, now)
		if got := h.pulses - before; got != step.want {
			t.Fatalf("seek to %d emitted %d pulses, want %d", step.target, got, step.want)
		}
		if a.Position() != step.target {
			t.Fatalf("position = %d, want %d", a.Position(), step.target)
		}
	}
}

func TestSeekIndexUsesConfiguredPositions(t *testing.T) {
	h := newHarness(t)
	a := New(testConfig(), h.bank, nil)
	start := time.Unix(0, 0)

	a.Home(start)
	now, _ := drive(t, a, start)

	if err := a.SeekIndex(3, now); err != nil {
		t.Fatalf("seek index: %v", err)
	}
	now, _ = drive(t, a, now)
	if a.Position() != 60 {
		t.Fatalf("position = %d, want 60", a.Position())
	}
}

func TestSeekIndexRejectsOutOfRange(t *testing.T) {
	h := newHarness(t)
	a := New(testConfig(), h.bank, nil)
	start := time.Unix(0, 0)

	a.Home(start)
	now, _ := drive(t, a, start)
	pulsesAfterHome := h.pulses

	// An index past the position table must fail outright, not land on some
	// other position the caller would then record as reached.
	for _, idx := range []int{-1, 6, 99} {
		if err := a.SeekIndex(idx, now); err == nil {
			t.Fatalf("seek index %d should be refused", idx)
		}
	}
	if a.Busy() {
		t.Fatal("refused seek must not start a motion")
	}
	if h.pulses != pulsesAfterHome {
		t.Fatal("refused seek must not emit pulses")
	}
	if a.Position() != 0 {
		t.Fatalf("position = %d, want unchanged", a.Position())
	}
}

func TestCancelStopsAtNextStep(t *testing.T) {
	h := newHarness(t)
	a := New(testConfig(), h.bank, nil)
	start := time.Unix(0, 0)

	a.Home(start)
	now, _ := drive(t, a, start)

	if err := a.Seek(80, now); err != nil {
		t.Fatalf("seek: %v", err)
	}
	for i := 0; i < 10; i++ {
		a.Step(now)
		now = now.Add(10 * time.Millisecond)
	}
	pulsesAtCancel := h.pulses
	a.Cancel()

	done, err := a.Step(now)
	if err != nil || !done {
		t.Fatalf("step after cancel: done=%v err=%v", done, err)
	}
	if a.Busy() {
		t.Fatal("motion still active after cancel")
	}
	if h.pulses != pulsesAtCancel {
		t.Fatal("cancelled motion emitted further pulses")
	}
	if a.Position() == 80 {
		t.Fatal("cancelled motion should stop short of the target")
	}
	if !a.Homed() {
		t.Fatal("cancel must not invalidate the position reference")
	}
}

func TestStopHaltsAtLastEmittedStep(t *testing.T) {
	h := newHarness(t)
	a := New(testConfig(), h.bank, nil)
	start := time.Unix(0, 0)

	a.Home(start)
	now, _ := drive(t, a, start)

	if err := a.Seek(80, now); err != nil {
		t.Fatalf("seek: %v", err)
	}
	h.pulses = 0
	for i := 0; i < 15; i++ {
		a.Step(now)
		now = now.Add(10 * time.Millisecond)
	}
	a.Stop()

	if a.Busy() {
		t.Fatal("motion still active after stop")
	}
	if a.Position() != h.pulses {
		t.Fatalf("position = %d but %d pulses were emitted; no extrapolation allowed", a.Position(), h.pulses)
	}
	if h.bank.Bit(shiftreg.EnableBase + testConfig().EnableBit) {
		t.Fatal("enable bit should be released after stop")
	}
	if !a.Homed() {
		t.Fatal("stop must not invalidate the position reference")
	}

	// Position stays put with no further Step calls honored.
	done, err := a.Step(now)
	if !done || err != nil {
		t.Fatalf("step after stop: done=%v err=%v", done, err)
	}
	if a.Position() != h.pulses {
		t.Fatal("position moved after stop")
	}
}

func TestEnableBitRestoredAfterMotion(t *testing.T) {
	h := newHarness(t)
	a := New(testConfig(), h.bank, nil)
	start := time.Unix(0, 0)

	enableIdx := shiftreg.EnableBase + testConfig().EnableBit
	if h.bank.Bit(enableIdx) {
		t.Fatal("enable bit should start disabled")
	}

	a.Home(start)
	if !h.bank.Bit(enableIdx) {
		t.Fatal("enable bit should be driven during motion")
	}
	drive(t, a, start)
	if h.bank.Bit(enableIdx) {
		t.Fatal("enable bit should return to its pre-motion state")
	}
}

func TestForceDisableAbandonsMotion(t *testing.T) {
	h := newHarness(t)
	a := New(testConfig(), h.bank, nil)
	start := time.Unix(0, 0)

	a.Home(start)
	a.ForceDisable()

	if a.Busy() {
		t.Fatal("motion should be abandoned")
	}
	if h.bank.Bit(shiftreg.EnableBase + testConfig().EnableBit) {
		t.Fatal("enable bit should be disabled")
	}
}

func TestRehomeDiscardsPosition(t *testing.T) {
	h := newHarness(t)
	a := New(testConfig(), h.bank, nil)
	start := time.Unix(0, 0)

	a.Home(start)
	now, _ := drive(t, a, start)
	a.Seek(40, now)
	now, _ = drive(t, a, now)

	a.Rehome(now)
	if a.Homed() {
		t.Fatal("rehome must clear the homed flag until the cycle completes")
	}
	drive(t, a, now)
	if !a.Homed() || a.Position() != 0 {
		t.Fatalf("homed=%v position=%d after rehome", a.Homed(), a.Position())
	}
}
