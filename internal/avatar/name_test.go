package avatar

import "testing"

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"anna", 0, "anna"},
		{" A\nB\rC\tD\x00 ", 0, "ABCD"},
		{"Az09-_.", 0, "Az09-_."},
		{"bad<>|\"name", 0, "bad____name"},
		{"my avatar (v2)", 0, "my_avatar__v2_"},
		{"../../etc/passwd", 0, "_.._etc_passwd"},
		{"..", 0, ""},
		{".hidden", 0, "hidden"},
		{"abcdefghijklmnopqrstuvwxyz", 10, "abcdefghij"},
		{"한국어", 0, "한국어"},
	}
	for _, tt := range tests {
		if got := SanitizeName(tt.in, tt.max); got != tt.want {
			t.Errorf("SanitizeName(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}
