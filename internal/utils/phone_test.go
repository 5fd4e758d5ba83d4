package utils

import "testing"

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		// Russian national forms
		{"89991234567", "+79991234567", true},
		{"79991234567", "+79991234567", true},
		{"8 (999) 123-45-67", "+79991234567", true},
		// already international
		{"+79991234567", "+79991234567", true},
		{"+14155552671", "+14155552671", true},
		// bare digits pass the shape check without a plus
		{"4155552671", "4155552671", true},
		// rejects
		{"", "", false},
		{"abc", "abc", false},
		{"+0123", "+0123", false},
		{"8999", "8999", true}, // short but shape-valid; length policy is the CRM's
	}

	for _, tc := range cases {
		got, ok := NormalizePhone(tc.in)
		if ok != tc.ok {
			t.Fatalf("NormalizePhone(%q) ok = %v; want %v", tc.in, ok, tc.ok)
		}
		if ok && got != tc.want {
			t.Fatalf("NormalizePhone(%q) = %q; want %q", tc.in, got, tc.want)
		}
	}
}

func TestPageBounds(t *testing.T) {
	cases := []struct {
		page, size, max       int
		wantOffset, wantLimit int
	}{
		{1, 20, 100, 0, 20},
		{3, 10, 100, 20, 10},
		{0, 0, 100, 0, 1},
		{2, 500, 100, 100, 100},
	}
	for _, tc := range cases {
		off, lim := PageBounds(tc.page, tc.size, tc.max)
		if off != tc.wantOffset || lim != tc.wantLimit {
			t.Fatalf("PageBounds(%d,%d,%d) = (%d,%d); want (%d,%d)",
				tc.page, tc.size, tc.max, off, lim, tc.wantOffset, tc.wantLimit)
		}
	}
}
