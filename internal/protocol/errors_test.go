package protocol

import "testing"

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrGeneral,
		ErrDesync,
		ErrConnectionLost,
		ErrIllegalPacket,
		ErrNotAuthorized,
		ErrNotExpected,
		ErrWrongRevision,
		ErrNameInUse,
		ErrWrongPassword,
		ErrCompanyMismatch,
		ErrKicked,
		ErrFull,
		ErrTooManyCommands,
		ErrTimeoutPassword,
		ErrTimeoutComputer,
		ErrTimeoutMap,
		ErrTimeoutJoin,
		ErrQuit,
		ErrShutdown,
		ErrRateLimit,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestIsTimeout(t *testing.T) {
	if !IsTimeout(ErrTimeoutMap) || !IsTimeout(ErrTimeoutComputer) {
		t.Fatalf("expected timeouts")
	}
	if IsTimeout(ErrKicked) {
		t.Fatalf("kick is not a timeout")
	}
}
