package support

import "testing"

func TestFindIP(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{`{"ip":"203.0.113.7"}`, "203.0.113.7"},
		{`{"origin": "198.51.100.23, 10.0.0.1"}`, "198.51.100.23"},
		{"Current IP: 999.1.1.1 then 192.0.2.1", "192.0.2.1"},
		{"2001:0db8:85a3:0000:0000:8a2e:0370:7334", "2001:0db8:85a3:0000:0000:8a2e:0370:7334"},
		{"no address here", ""},
	}

	for _, tc := range cases {
		if got := FindIP(tc.input); got != tc.want {
			t.Fatalf("FindIP(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}
