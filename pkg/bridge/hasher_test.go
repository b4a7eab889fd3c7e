// Copyright 2024-2026 Aiku AI

package bridge

import "testing"

func TestHashContent_Deterministic(t *testing.T) {
	t.Parallel()
	a := HashContent("conv1", "hello world")
	b := HashContent("conv1", "hello world")
	if a != b {
		t.Errorf("same input hashed differently: %d vs %d", a, b)
	}
}

func TestHashContent_NormalizesWhitespace(t *testing.T) {
	t.Parallel()
	a := HashContent("conv1", "hello   world")
	b := HashContent("conv1", "  hello world\n")
	if a != b {
		t.Errorf("whitespace variants should hash equal: %d vs %d", a, b)
	}
}

func TestHashContent_ConversationScoped(t *testing.T) {
	t.Parallel()
	if HashContent("conv1", "hello") == HashContent("conv2", "hello") {
		t.Error("same text in different conversations should not collide")
	}
}

func TestHashContent_SeparatorNotAmbiguous(t *testing.T) {
	t.Parallel()
	// ("ab", "c") must differ from ("a", "bc").
	if HashContent("ab", "c") == HashContent("a", "bc") {
		t.Error("conversation id and text must be separated in key material")
	}
}

func TestHashFileIdentity(t *testing.T) {
	t.Parallel()
	a := HashFileIdentity("conv1", "photo.jpg", 1024)
	if a != HashFileIdentity("conv1", "photo.jpg", 1024) {
		t.Error("file identity hash not deterministic")
	}
	if a == HashFileIdentity("conv1", "photo.jpg", 1025) {
		t.Error("size must contribute to file identity")
	}
	if a == HashFileIdentity("conv1", "other.jpg", 1024) {
		t.Error("filename must contribute to file identity")
	}
}

func TestNormalizeText(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in, want string
	}{
		{"hello world", "hello world"},
		{"  hello   world  ", "hello world"},
		{"a\nb\tc", "a b c"},
		{"", ""},
		{"   ", ""},
	}
	for _, tc := range cases {
		if got := NormalizeText(tc.in); got != tc.want {
			t.Errorf("NormalizeText(%q): got %q, want %q", tc.in, got, tc.want)
		}
	}
}
