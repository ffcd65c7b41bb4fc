package dcnet

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRandomizeDerandomizeRoundTrip(t *testing.T) {
	msg := []byte("hello from a slot owner")

	blob := Randomize(msg)
	require.Len(t, blob, SeedSize+len(msg))

	out, err := Derandomize(blob)
	require.NoError(t, err)
	require.Equal(t, msg, out)
}

func TestDerandomizeNullSeedIsEmpty(t *testing.T) {
	blob := make([]byte, SeedSize+16)
	out, err := Derandomize(blob)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestRandomizeLooksRandom(t *testing.T) {
	msg := make([]byte, 64)
	blob := Randomize(msg)
	// The XORed portion should not equal the (all-zero) plaintext: with
	// overwhelming probability at least one byte differs.
	require.False(t, bytes.Equal(blob[SeedSize:], msg))
}

func TestSlotHeaderEncodeDecode(t *testing.T) {
	h := SlotHeader{Accuse: true, Phase: 7, NextLength: 42}
	buf := EncodeSlotHeader(h)
	require.Len(t, buf, HeaderLength)

	got, err := DecodeSlotHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestWriteSlotReadSlotRoundTrip(t *testing.T) {
	base := GeneratePad([]byte("shared-seed-between-peers-000000"), 96)
	header := SlotHeader{Phase: 3, NextLength: 10}
	payload := []byte("open slot payload")
	trailer := make([]byte, DigestLength)
	for i := range trailer {
		trailer[i] = byte(i + 1)
	}

	written, err := WriteSlot(base, header, payload, trailer)
	require.NoError(t, err)
	require.Len(t, written, len(base))

	// Reconstructing the group XOR cancels the same pad out again,
	// leaving the cleartext slot content.
	cleartext := make([]byte, len(base))
	XorBytes(cleartext, written, base)

	gotHeader, gotPayload, gotTrailer, err := ReadSlot(cleartext, DigestLength)
	require.NoError(t, err)
	require.Equal(t, header, gotHeader)
	require.Equal(t, payload, gotPayload)
	require.Equal(t, trailer, gotTrailer)
}

func TestWriteSlotReadSlotRoundTripAccusationFlag(t *testing.T) {
	base := GeneratePad([]byte("shared-seed-between-peers-111111"), 128)
	header := SlotHeader{Accuse: true, Phase: 9, NextLength: 0}
	payload := []byte("short")
	trailer := make([]byte, SchnorrSignatureLength)

	written, err := WriteSlot(base, header, payload, trailer)
	require.NoError(t, err)

	cleartext := make([]byte, len(base))
	XorBytes(cleartext, written, base)

	gotHeader, gotPayload, gotTrailer, err := ReadSlot(cleartext, SchnorrSignatureLength)
	require.NoError(t, err)
	require.Equal(t, header, gotHeader)
	require.Equal(t, payload, gotPayload)
	require.Equal(t, trailer, gotTrailer)
}

func TestXorBytesSelfInverse(t *testing.T) {
	a := []byte{1, 2, 3, 4}
	b := []byte{9, 8, 7, 6}
	dst := make([]byte, 4)
	XorBytes(dst, a, b)
	back := make([]byte, 4)
	XorBytes(back, dst, b)
	require.Equal(t, a, back)
}
