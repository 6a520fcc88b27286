package app

import (
	"testing"
	"time"
)

func TestEnvString(t *testing.T) {
	t.Setenv("RELAY_TEST_STR", "  value  ")
	if got := EnvString("RELAY_TEST_STR", "def"); got != "value" {
		t.Fatalf("got %q", got)
	}
	if got := EnvString("RELAY_TEST_STR_MISSING", "def"); got != "def" {
		t.Fatalf("default: got %q", got)
	}
}

func TestEnvBool(t *testing.T) {
	t.Setenv("RELAY_TEST_BOOL", "true")
	if !EnvBool("RELAY_TEST_BOOL", false) {
		t.Fatalf("expected true")
	}
	t.Setenv("RELAY_TEST_BOOL", "garbage")
	if !EnvBool("RELAY_TEST_BOOL", true) {
		t.Fatalf("bad value must fall back to default")
	}
	if EnvBool("RELAY_TEST_BOOL_MISSING", false) {
		t.Fatalf("missing must use default")
	}
}

func TestEnvInt(t *testing.T) {
	t.Setenv("RELAY_TEST_INT", "42")
	if got := EnvInt("RELAY_TEST_INT", 7); got != 42 {
		t.Fatalf("got %d", got)
	}
	t.Setenv("RELAY_TEST_INT", "-3")
	if got := EnvInt("RELAY_TEST_INT", 7); got != 7 {
		t.Fatalf("non-positive must fall back, got %d", got)
	}
	t.Setenv("RELAY_TEST_INT", "abc")
	if got := EnvInt("RELAY_TEST_INT", 7); got != 7 {
		t.Fatalf("garbage must fall back, got %d", got)
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("RELAY_TEST_DUR", "1500ms")
	if got := EnvDuration("RELAY_TEST_DUR", time.Second); got != 1500*time.Millisecond {
		t.Fatalf("got %v", got)
	}
	t.Setenv("RELAY_TEST_DUR", "-5s")
	if got := EnvDuration("RELAY_TEST_DUR", time.Second); got != time.Second {
		t.Fatalf("non-positive must fall back, got %v", got)
	}
}

func TestEnvCSV(t *testing.T) {
	t.Setenv("RELAY_TEST_CSV", " a, ,b ,c")
	got := EnvCSV("RELAY_TEST_CSV", "")
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("got %v", got)
	}
	if got := EnvCSV("RELAY_TEST_CSV_MISSING", "x,y"); len(got) != 2 || got[0] != "x" {
		t.Fatalf("default: got %v", got)
	}
	if got := EnvCSV("RELAY_TEST_CSV_MISSING", ""); got != nil {
		t.Fatalf("empty default must be nil, got %v", got)
	}
}
