package common

import (
	"crypto/sha256"
	"testing"

	"github.com/pkg/errors"
)

func TestHashTermIsTruncatedSHA256(t *testing.T) {
	sum := sha256.Sum256([]byte("loli"))
	k := HashTerm("LOLI")
	for i := 0; i < 4; i++ {
		if k[i] != sum[i] {
			t.Fatalf("byte %d: got %x want %x", i, k[i], sum[i])
		}
	}
	if len(k.Bytes()) != 4 {
		t.Fatalf("expected 4-byte key, got %d", len(k.Bytes()))
	}
}

func TestNormalizeTerm(t *testing.T) {
	cases := map[string]string{
		"  Big_Breasts ": "big breasts",
		"female:anal":    "female:anal",
		"":               "",
	}
	for in, want := range cases {
		if got := NormalizeTerm(in); got != want {
			t.Errorf("NormalizeTerm(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsDegradable(t *testing.T) {
	if !IsDegradable(errors.Wrap(ErrRangeFetch, "node 0")) {
		t.Error("wrapped range error should degrade")
	}
	if !IsDegradable(ErrCorruptData) {
		t.Error("corrupt data should degrade")
	}
	if IsDegradable(errors.Wrap(ErrVersion, "galleriesindex")) {
		t.Error("version error must not degrade")
	}
}
