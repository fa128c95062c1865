package sync

import (
	"testing"
)

func TestHashString(t *testing.T) {
	// Known SHA256 hash of "hello"
	expected := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	result := HashString("hello")

	if result != expected {
		t.Errorf("HashString(\"hello\") = %q, want %q", result, expected)
	}
}

func TestHashContent(t *testing.T) {
	content := []byte("test content")
	hash1 := HashContent(content)
	hash2 := HashContent(content)

	if hash1 != hash2 {
		t.Errorf("same content produced different hashes: %q != %q", hash1, hash2)
	}

	different := HashContent([]byte("different content"))
	if hash1 == different {
		t.Error("different content should produce different hash")
	}

	// Hash should be 64 characters (SHA256 hex)
	if len(hash1) != 64 {
		t.Errorf("hash length should be 64, got %d", len(hash1))
	}
}

func TestFingerprint_Empty(t *testing.T) {
	// SHA256 of empty string
	expected := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if fp := Fingerprint(""); fp != expected {
		t.Errorf("empty fingerprint = %q, want %q", fp, expected)
	}
}

func TestFingerprint_MatchesHashString(t *testing.T) {
	text := "Weekly Notes\nFirst line of text."
	if Fingerprint(text) != HashString(text) {
		t.Error("Fingerprint should hash the processed text as-is")
	}
	if Fingerprint(text) == Fingerprint(text+" ") {
		t.Error("fingerprint must change when the processed text changes")
	}
}
