package orderref

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestSealOpenRoundTrip(t *testing.T) {
	codec, err := NewCodec(testKey)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	id := uuid.New()

	ref, err := codec.Seal(id)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if strings.Contains(ref, id.String()) {
		t.Fatal("reference must not expose the order id")
	}
	got, err := codec.Open(ref)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got != id {
		t.Fatalf("expected %s, got %s", id, got)
	}

	again, _ := codec.Seal(id)
	if again == ref {
		t.Fatal("expected fresh nonce per seal")
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	codec, _ := NewCodec(testKey)
	ref, _ := codec.Seal(uuid.New())

	tampered := []byte(ref)
	if tampered[len(tampered)-1] == 'A' {
		tampered[len(tampered)-1] = 'B'
	} else {
		tampered[len(tampered)-1] = 'A'
	}
	for _, bad := range []string{string(tampered), "", "not-base64!!", "AAAA"} {
		if _, err := codec.Open(bad); !errors.Is(err, ErrInvalidReference) {
			t.Fatalf("expected ErrInvalidReference for %q, got %v", bad, err)
		}
	}

	other, _ := NewCodec(strings.Repeat("f", 64))
	if _, err := other.Open(ref); !errors.Is(err, ErrInvalidReference) {
		t.Fatalf("expected foreign key to fail, got %v", err)
	}
}

func TestNewCodecKeyLength(t *testing.T) {
	if _, err := NewCodec("short"); err == nil {
		t.Fatal("expected short key error")
	}
	if _, err := NewCodec(strings.Repeat("zz", 32)); err == nil {
		t.Fatal("expected bad hex error")
	}
}
