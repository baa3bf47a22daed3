package errors

import (
	"errors"
	"testing"
)

func TestErrorTypeRoundTrip(t *testing.T) {
	err := AuthenticationFailureError("certificate %s could not be verified", "abcd")
	if err.Error() != "certificate abcd could not be verified" {
		t.Errorf("wrong detail: %q", err.Error())
	}
	if !Is(err, AuthenticationFailure) {
		t.Error("expected AuthenticationFailure type")
	}
	if Is(err, InvalidCredential) {
		t.Error("unexpected InvalidCredential type")
	}
}

func TestIsRejectsForeignErrors(t *testing.T) {
	if Is(errors.New("plain"), InternalServer) {
		t.Error("plain errors have no CDA type")
	}
	if Is(nil, InternalServer) {
		t.Error("nil has no CDA type")
	}
}
