// internal/types/ids_test.go
package types

import (
	"testing"
)

func TestNewSessionID(t *testing.T) {
	id := NewSessionID()
	if id == "" {
		t.Error("expected non-empty SessionID")
	}
	if len(string(id)) != 36 {
		t.Errorf("expected UUID format, got %s", id)
	}
}

func TestSafeName(t *testing.T) {
	got := SafeName(`a<b>c:d"e/f\g|h?i*j`)
	if got != "a_b_c_d_e_f_g_h_i_j" {
		t.Errorf("unexpected safe name %q", got)
	}
}

func TestPortBase(t *testing.T) {
	if got := Port("/dev/ttyACM0").Base(); got != "ttyACM0" {
		t.Errorf("expected ttyACM0, got %q", got)
	}
}
