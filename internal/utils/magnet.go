package utils

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SanitizeMagnet validates a magnet URI and strips tracker parameters with
// unsupported schemes. It returns the cleaned URI and the list of trackers
// that were dropped.
func SanitizeMagnet(raw string) (string, []string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", nil, fmt.Errorf("invalid magnet link: %w", err)
	}
	if u.Scheme != "magnet" {
		return "", nil, fmt.Errorf("not a magnet link: scheme %q", u.Scheme)
	}

	q := u.Query()
	if q.Get("xt") == "" {
		return "", nil, fmt.Errorf("magnet link missing xt parameter")
	}

	var dropped []string
	trackers := q["tr"]
	kept := trackers[:0]
	for _, tr := range trackers {
		tu, err := url.Parse(tr)
		if err != nil {
			dropped = append(dropped, tr)
			continue
		}
		switch tu.Scheme {
		case "http", "https", "udp":
			kept = append(kept, tr)
		default:
			dropped = append(dropped, tr)
		}
	}
	if len(kept) == 0 {
		q.Del("tr")
	} else {
		q["tr"] = kept
	}
	u.RawQuery = q.Encode()

	return u.String(), dropped, nil
}

// DownloadTorrentFile fetches a .torrent file over HTTP into dir under a
// unique temporary name and returns the written path. Callers are expected
// to remove the file once it has been handed to the engine.
func DownloadTorrentFile(rawURL, dir string, timeout time.Duration, logger *Logger) (string, error) {
	client := &http.Client{Timeout: timeout}

	resp, err := client.Get(rawURL)
	if err != nil {
		return "", fmt.Errorf("failed to fetch torrent file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to fetch torrent file: status %s", resp.Status)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s.torrent", uuid.NewString()))
	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create temp torrent file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to write temp torrent file: %w", err)
	}

	logger.Debug("Downloaded torrent file to", path)
	return path, nil
}
