package utils

import "testing"

func TestFormatBytes(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{0, "0.0 B"},
		{512, "512.0 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1073741824, "1.0 GB"},
		{1649267441664, "1.5 TB"},
		{-1, "0.0 B"},
	}
	for _, c := range cases {
		if got := FormatBytes(c.in); got != c.want {
			t.Fatalf("FormatBytes(%d) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{0, "0s"},
		{59, "59s"},
		{61, "1m 1s"},
		{3661, "1h 1m 1s"},
		{93784, "1d 2h 3m 4s"},
		{86400, "1d 0h 0m 0s"},
	}
	for _, c := range cases {
		if got := FormatDuration(c.in); got != c.want {
			t.Fatalf("FormatDuration(%d) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestFormatETA(t *testing.T) {
	if got := FormatETA(1000, 0); got != "∞" {
		t.Fatalf("expected infinity for zero rate, got %q", got)
	}
	if got := FormatETA(0, 100); got != "0s" {
		t.Fatalf("expected 0s for completed transfer, got %q", got)
	}
	if got := FormatETA(1000, 100); got != "10s" {
		t.Fatalf("FormatETA(1000, 100) = %q, want 10s", got)
	}
}

func TestETASeconds(t *testing.T) {
	if got := ETASeconds(1000, 0); got != -1 {
		t.Fatalf("expected -1 for stalled transfer, got %d", got)
	}
	if got := ETASeconds(2048, 1024); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
}

func TestParseSpeedLimit(t *testing.T) {
	for _, s := range []string{"0", "inf", "unlimited", "", "INF"} {
		got, err := ParseSpeedLimit(s)
		if err != nil {
			t.Fatalf("ParseSpeedLimit(%q) returned error: %v", s, err)
		}
		if got != 0 {
			t.Fatalf("ParseSpeedLimit(%q) = %d, want 0", s, got)
		}
	}

	got, err := ParseSpeedLimit("100")
	if err != nil {
		t.Fatalf("ParseSpeedLimit returned error: %v", err)
	}
	if got != 102400 {
		t.Fatalf("ParseSpeedLimit(100) = %d, want 102400", got)
	}

	if _, err := ParseSpeedLimit("fast"); err == nil {
		t.Fatal("expected error for garbage input")
	}
	if _, err := ParseSpeedLimit("-5"); err == nil {
		t.Fatal("expected error for negative input")
	}
}

func TestParseHumanSize(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"700 B", 700},
		{"1.0 KB", 1024},
		{"1.5 KB", 1536},
		{"2 MB", 2097152},
		{"1.0 GB", 1073741824},
		{"512KB", 524288},
		{"42", 42},
	}
	for _, c := range cases {
		got, err := ParseHumanSize(c.in)
		if err != nil {
			t.Fatalf("ParseHumanSize(%q) returned error: %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("ParseHumanSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}

	if _, err := ParseHumanSize(""); err == nil {
		t.Fatal("expected error for empty input")
	}
	if _, err := ParseHumanSize("lots"); err == nil {
		t.Fatal("expected error for garbage input")
	}
}

func TestParseHumanSizeRoundTrip(t *testing.T) {
	sizes := []int64{0, 1024, 1536, 1048576, 1073741824}
	for _, size := range sizes {
		parsed, err := ParseHumanSize(FormatBytes(size))
		if err != nil {
			t.Fatalf("round trip failed for %d: %v", size, err)
		}
		if parsed != size {
			t.Fatalf("round trip for %d produced %d", size, parsed)
		}
	}
}
