package main

import "testing"

func TestGetStatusIcon(t *testing.T) {
	if got := getStatusIcon(true); got != "[OK]" {
		t.Errorf("getStatusIcon(true) = %q, want [OK]", got)
	}
	if got := getStatusIcon(false); got != "[FAIL]" {
		t.Errorf("getStatusIcon(false) = %q, want [FAIL]", got)
	}
}
