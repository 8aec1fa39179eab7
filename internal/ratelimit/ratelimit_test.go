package ratelimit

import "testing"

func TestAllow_WithinBurstSucceeds(t *testing.T) {
	l := New(1, 3)
	for i := 0; i < 3; i++ {
		if !l.Allow("any") {
			t.Fatalf("request %d should be allowed within burst", i)
		}
	}
}

func TestAllow_ExceedsBurstRejects(t *testing.T) {
	l := New(1, 2)
	l.Allow("a")
	l.Allow("b")
	if l.Allow("c") {
		t.Fatal("third immediate request should exceed burst regardless of caller address")
	}
}

func TestNew_NonPositiveDefaults(t *testing.T) {
	l := New(0, 0)
	for i := 0; i < DefaultBurst; i++ {
		if !l.Allow("x") {
			t.Fatalf("request %d should be within default burst %d", i, DefaultBurst)
		}
	}
	if l.Allow("x") {
		t.Fatal("request beyond default burst should be rejected")
	}
}
