package model

import "testing"

func TestIsTerminal(t *testing.T) {
	for _, s := range AllStates {
		want := s == StateCompleted || s == StateFailed
		if got := IsTerminal(s); got != want {
			t.Errorf("IsTerminal(%q) = %v, want %v", s, got, want)
		}
	}
}

func TestValidateItemTransition(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateCreated, StateFrameworkPending, true},
		{StateCreated, StateInvoking, false},
		{StateFrameworkPending, StateFrameworkPending, true},
		{StateFrameworkPending, StateFrameworkReady, true},
		{StateFrameworkReady, StateDispatchReady, true},
		{StateFrameworkReady, StateAwaitingDependencies, true},
		{StateDispatchReady, StateInvoking, true},
		{StateInvoking, StateCompleted, true},
		{StateInvoking, StateFailed, true},
		{StateInvoking, StateAwaitingDependencies, true},
		{StateInvoking, StateDispatchReady, true},
		{StateAwaitingDependencies, StateDispatchReady, true},
		{StateAwaitingDependencies, StateCompleted, false},
		{StateDispatchReady, StateCompleted, false},
		{StateManualHold, StateDispatchReady, true},
		{StateManualHold, StateManualHold, false},
		{StateManualHold, StateFailed, true},
		{StateCompleted, StateFailed, false},
		{StateFailed, StateDispatchReady, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := ValidateItemTransition(tt.from, tt.to)
			if tt.ok && err != nil {
				t.Errorf("expected legal, got %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected illegal transition")
			}
		})
	}
}

func TestEveryNonTerminalStateCanHoldAndFail(t *testing.T) {
	for _, s := range AllStates {
		if IsTerminal(s) {
			continue
		}
		if s != StateManualHold {
			if err := ValidateItemTransition(s, StateManualHold); err != nil {
				t.Errorf("%s -> manual_hold: %v", s, err)
			}
		}
		if err := ValidateItemTransition(s, StateFailed); err != nil {
			t.Errorf("%s -> failed: %v", s, err)
		}
	}
}
