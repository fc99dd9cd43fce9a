package tunnel

import "testing"

func TestStateTransitions(t *testing.T) {
	testCases := []struct {
		from, to State
		ok       bool
	}{
		{Created, Handshaking, true},
		{Handshaking, Ready, true},
		{Ready, Closed, true},
		{Created, Failed, true},
		{Handshaking, Failed, true},
		{Ready, Failed, true},
		{Created, Closed, true},
		{Ready, Handshaking, false},
		{Handshaking, Created, false},
		{Ready, Ready, false},
		{Closed, Failed, false},
		{Failed, Closed, false},
		{Closed, Ready, false},
	}

	for _, tc := range testCases {
		t.Run(tc.from.String()+"->"+tc.to.String(), func(t *testing.T) {
			if got := tc.from.canMove(tc.to); got != tc.ok {
				t.Fatalf("canMove = %v, want %v", got, tc.ok)
			}
		})
	}
}
