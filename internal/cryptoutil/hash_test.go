package cryptoutil

import "testing"

func TestSHA256Hex(t *testing.T) {
	got := SHA256Hex([]byte(""))
	if got != "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Fatalf("SHA256Hex(empty) = %s", got)
	}
	if len(SHA256Hex([]byte("agrotech"))) != 64 {
		t.Fatal("digest should be 64 hex chars")
	}
}

func TestHashEqual(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"abc123", "abc123", true},
		{"ABC123", "abc123", true},
		{"abc123", "abc124", false},
		{"abc", "abc123", false},
		{"", "", true},
	}
	for _, tt := range tests {
		if got := HashEqual(tt.a, tt.b); got != tt.want {
			t.Errorf("HashEqual(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestIsSHA256Hex(t *testing.T) {
	if !IsSHA256Hex(SHA256Hex([]byte("x"))) {
		t.Fatal("real digest rejected")
	}
	for _, bad := range []string{"", "abc", "zz" + SHA256Hex([]byte("x"))[2:]} {
		if IsSHA256Hex(bad) {
			t.Errorf("IsSHA256Hex(%q) = true", bad)
		}
	}
}

func TestSecretMatches(t *testing.T) {
	digest := SHA256Hex([]byte("correct horse"))

	if !SecretMatches(digest, "correct horse") {
		t.Fatal("matching secret rejected")
	}
	if SecretMatches(digest, "battery staple") {
		t.Fatal("wrong secret accepted")
	}
	if SecretMatches("", "") {
		t.Fatal("empty digest must never match")
	}
}
