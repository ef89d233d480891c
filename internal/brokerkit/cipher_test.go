package brokerkit

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"testing"
)

func testKey(fill byte) []byte {
	key := make([]byte, 32)
	for index := range key {
		key[index] = fill
	}
	return key
}

func TestCipherRoundTrip(t *testing.T) {
	t.Parallel()
	sealer, err := NewCipher(testKey(0x11))
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}

	payloads := [][]byte{
		nil,
		{},
		[]byte("x"),
		[]byte(`{"access_token":"secret-value"}`),
		bytes.Repeat([]byte{0xff, 0x00}, 512),
	}
	for _, payload := range payloads {
		sealed, sealErr := sealer.Seal(payload)
		if sealErr != nil {
			t.Fatalf("seal %d bytes: %v", len(payload), sealErr)
		}
		opened, openErr := sealer.Open(sealed)
		if openErr != nil {
			t.Fatalf("open %d bytes: %v", len(payload), openErr)
		}
		if !bytes.Equal(opened, payload) {
			t.Fatalf("round trip mismatch for %d bytes", len(payload))
		}
	}
}

func TestCipherRejectsWrongKeyLength(t *testing.T) {
	t.Parallel()
	if _, err := NewCipher([]byte("short")); !errors.Is(err, ErrInvalidKeyLength) {
		t.Fatalf("expected ErrInvalidKeyLength, got %v", err)
	}
}

func TestCipherOpenRejectsTamperedPayload(t *testing.T) {
	t.Parallel()
	sealer, err := NewCipher(testKey(0x22))
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	sealed, sealErr := sealer.Seal([]byte("payload"))
	if sealErr != nil {
		t.Fatalf("seal: %v", sealErr)
	}

	sealed[len(sealed)-1] ^= 0x01
	if _, openErr := sealer.Open(sealed); !errors.Is(openErr, ErrDecryptFailed) {
		t.Fatalf("expected ErrDecryptFailed for tampered payload, got %v", openErr)
	}

	if _, openErr := sealer.Open([]byte("tiny")); !errors.Is(openErr, ErrDecryptFailed) {
		t.Fatalf("expected ErrDecryptFailed for truncated payload, got %v", openErr)
	}
}

func TestCipherOpenRejectsForeignKey(t *testing.T) {
	t.Parallel()
	first, _ := NewCipher(testKey(0x33))
	second, _ := NewCipher(testKey(0x44))

	sealed, sealErr := first.Seal([]byte("rotated away"))
	if sealErr != nil {
		t.Fatalf("seal: %v", sealErr)
	}
	if _, openErr := second.Open(sealed); !errors.Is(openErr, ErrDecryptFailed) {
		t.Fatalf("expected ErrDecryptFailed after key rotation, got %v", openErr)
	}
}

func TestParseCipherKeyEncodings(t *testing.T) {
	t.Parallel()
	raw := testKey(0x55)

	fromHex, hexErr := ParseCipherKey(hex.EncodeToString(raw))
	if hexErr != nil || !bytes.Equal(fromHex, raw) {
		t.Fatalf("hex key parse failed: %v", hexErr)
	}

	fromBase64, base64Err := ParseCipherKey(base64.StdEncoding.EncodeToString(raw))
	if base64Err != nil || !bytes.Equal(fromBase64, raw) {
		t.Fatalf("base64 key parse failed: %v", base64Err)
	}

	if _, err := ParseCipherKey("not-a-key"); !errors.Is(err, ErrInvalidKeyLength) {
		t.Fatalf("expected ErrInvalidKeyLength, got %v", err)
	}
}
