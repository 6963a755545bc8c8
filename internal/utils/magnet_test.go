package utils

import (
	"strings"
	"testing"
)

const testInfohash = "c9e15763f722f23e98a29decdfae341b98d53056"

func TestSanitizeMagnetValid(t *testing.T) {
	in := "magnet:?xt=urn:btih:" + testInfohash + "&dn=example&tr=udp%3A%2F%2Ftracker.example.com%3A6969"
	out, dropped, err := SanitizeMagnet(in)
	if err != nil {
		t.Fatalf("SanitizeMagnet returned error: %v", err)
	}
	if len(dropped) != 0 {
		t.Fatalf("expected no dropped trackers, got %v", dropped)
	}
	if !strings.Contains(out, testInfohash) {
		t.Fatalf("sanitized magnet lost the infohash: %q", out)
	}
}

func TestSanitizeMagnetDropsBadTrackers(t *testing.T) {
	in := "magnet:?xt=urn:btih:" + testInfohash +
		"&tr=udp%3A%2F%2Fok.example%3A6969" +
		"&tr=wss%3A%2F%2Fbad.example" +
		"&tr=ftp%3A%2F%2Fworse.example"
	out, dropped, err := SanitizeMagnet(in)
	if err != nil {
		t.Fatalf("SanitizeMagnet returned error: %v", err)
	}
	if len(dropped) != 2 {
		t.Fatalf("expected 2 dropped trackers, got %v", dropped)
	}
	if strings.Contains(out, "bad.example") || strings.Contains(out, "worse.example") {
		t.Fatalf("sanitized magnet still carries dropped trackers: %q", out)
	}
	if !strings.Contains(out, "ok.example") {
		t.Fatalf("sanitized magnet lost a valid tracker: %q", out)
	}
}

func TestSanitizeMagnetRejectsNonMagnet(t *testing.T) {
	for _, in := range []string{
		"http://example.com/file.torrent",
		"not a uri at all",
		"magnet:?dn=missing-xt",
	} {
		if _, _, err := SanitizeMagnet(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`some<bad>name`, "somebadname"},
		{`trailing. `, "trailing"},
		{`a/b\c`, "abc"},
		{`???`, "unnamed"},
		{"clean name", "clean name"},
	}
	for _, c := range cases {
		if got := SanitizeFilename(c.in); got != c.want {
			t.Fatalf("SanitizeFilename(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
