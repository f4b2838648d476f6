package coreerr

import (
	"io"
	"testing"
)

func TestWrapPreservesKindAndCause(t *testing.T) {
	cause := io.ErrUnexpectedEOF
	err := Wrap(InvalidMessage, cause, "reading frame header")

	kind, ok := As(err)
	if !ok {
		t.Fatal("expected As to recognize CoreError")
	}
	if kind != InvalidMessage {
		t.Errorf("Kind = %v, want InvalidMessage", kind)
	}
	if !Is(err, InvalidMessage) {
		t.Error("Is(err, InvalidMessage) = false")
	}
}

func TestWrapNilIsNil(t *testing.T) {
	if Wrap(DeviceFatal, nil, "no error here") != nil {
		t.Error("Wrap(kind, nil, msg) should return nil")
	}
}

func TestTornDown(t *testing.T) {
	cases := map[Kind]bool{
		InvalidMessage:    true,
		InvalidParam:      false,
		ResourceExhausted: false,
		DeviceTransient:   false,
		DeviceFatal:       true,
		StreamLost:        true,
	}
	for k, want := range cases {
		if got := k.TornDown(); got != want {
			t.Errorf("%v.TornDown() = %v, want %v", k, got, want)
		}
	}
}
