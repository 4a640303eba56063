package errs

import (
	"errors"
	"testing"
)

func TestIsMatchesByCode(t *testing.T) {
	err := ErrTransport.WithDetail("dial tcp refused")
	if !errors.Is(err, ErrTransport) {
		t.Fatal("detail copy should match its sentinel")
	}
	if errors.Is(err, ErrStorage) {
		t.Fatal("different codes must not match")
	}
}

func TestIsSurvivesWrapping(t *testing.T) {
	err := Wrap(ErrResumeRejected.WithDetail("token expired"), "handshake")
	if !errors.Is(err, ErrResumeRejected) {
		t.Fatal("wrap should keep the code visible")
	}
	if Code(err) != CodeResumeRejected {
		t.Fatalf("Code = %d, want %d", Code(err), CodeResumeRejected)
	}
}

func TestCodeOfPlainError(t *testing.T) {
	if Code(errors.New("plain")) != 0 {
		t.Fatal("plain errors have no code")
	}
	if Wrap(nil, "noop") != nil {
		t.Fatal("wrapping nil stays nil")
	}
}

func TestErrorTextCarriesDetail(t *testing.T) {
	err := ErrSendNotReady.WithDetail("no room bound")
	want := "2003 send not ready no room bound"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}
