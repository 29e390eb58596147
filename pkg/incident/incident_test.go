package incident

import (
	"bytes"
	"io"
	"testing"

	"filippo.io/age"
)

func TestCompressDecompressLZ4Roundtrip(t *testing.T) {
	original := bytes.Repeat([]byte("incident report payload "), 200)

	compressed, err := compressLZ4(original)
	if err != nil {
		t.Fatal(err)
	}
	if len(compressed) >= len(original) {
		t.Fatalf("expected compression to shrink a repetitive payload: got %d from %d", len(compressed), len(original))
	}

	decompressed, err := decompressLZ4(compressed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decompressed, original) {
		t.Fatal("roundtrip did not reproduce the original payload")
	}
}

func TestCompressDecompressLZ4SmallIncompressiblePayload(t *testing.T) {
	original := []byte{0x01, 0x02, 0x03}

	compressed, err := compressLZ4(original)
	if err != nil {
		t.Fatal(err)
	}

	decompressed, err := decompressLZ4(compressed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decompressed, original) {
		t.Fatal("roundtrip did not reproduce a tiny payload")
	}
}

func TestArchiverEncryptDecryptsWithMatchingIdentity(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}

	a := &Archiver{recipient: identity.Recipient()}
	plaintext := []byte("confidential incident detail")

	ciphertext, err := a.encrypt(plaintext)
	if err != nil {
		t.Fatal(err)
	}

	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(reader)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("decrypted plaintext does not match original")
	}
}

func TestSanitizeKeyReplacesUnsafeCharacters(t *testing.T) {
	if got := sanitizeKey("/usr/lib/osquery/extensions.ext"); got != "_usr_lib_osquery_extensions_ext" {
		t.Fatalf("unexpected sanitized key: %q", got)
	}
	if got := sanitizeKey(""); got != "unknown" {
		t.Fatalf("expected 'unknown' for empty path, got %q", got)
	}
}
