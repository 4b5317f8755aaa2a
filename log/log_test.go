package log

import "testing"

func TestRandomStringIsRandom(t *testing.T) {
	a := GetLogToken()
	b := GetLogToken()
	if a == b {
		t.Fatal("strings are equal:", a, b)
	}
}

func TestLoggingEnabled(t *testing.T) {
	SetLoglevel(LOGLEVEL_WARNINGS)
	defer SetLoglevel(LOGLEVEL_NONE)

	if !IsLoggingEnabled(LOGLEVEL_ERRORS) {
		t.Fail()
	}
	if IsLoggingEnabled(LOGLEVEL_DEBUG) {
		t.Fail()
	}
}
