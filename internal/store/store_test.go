package store

import "testing"

func TestMemStoreSetGetDelete(t *testing.T) {
	s := NewMemStore()

	if _, ok, err := s.Get("missing"); err != nil || ok {
		t.Fatalf("Get on empty store: ok=%v err=%v, want ok=false err=nil", ok, err)
	}

	if err := s.Set("k", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := s.Get("k")
	if err != nil || !ok || string(v) != "v" {
		t.Fatalf("Get after Set: v=%q ok=%v err=%v, want v=\"v\" ok=true err=nil", v, ok, err)
	}

	if err := s.Delete("k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get("k"); ok {
		t.Fatalf("Get after Delete should miss")
	}
}

func TestMemStoreSetCopiesValue(t *testing.T) {
	s := NewMemStore()
	buf := []byte("mutable")
	if err := s.Set("k", buf); err != nil {
		t.Fatalf("Set: %v", err)
	}
	buf[0] = 'X'

	v, ok, _ := s.Get("k")
	if !ok || string(v) != "mutable" {
		t.Fatalf("Set must copy its input; mutating the caller's slice should not affect the stored value, got %q", v)
	}
}

func TestMemStoreGetReturnsIndependentCopy(t *testing.T) {
	s := NewMemStore()
	if err := s.Set("k", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, _, _ := s.Get("k")
	v[0] = 'X'

	v2, _, _ := s.Get("k")
	if string(v2) != "v" {
		t.Fatalf("mutating a Get result should not affect the stored value, got %q", v2)
	}
}
