package models

import (
	"bytes"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"

	"castor/internal/database"
	"castor/internal/utils"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := utils.NewLogger(false, os.Stderr)
	if err := database.RunMigrations(db, logger); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return db
}

func TestTransferUpsertAndGet(t *testing.T) {
	repo := NewTransferRepository(newTestDB(t))

	rec := &TransferRecord{
		Fingerprint:  "c9e15763f722f23e98a29decdfae341b98d53056",
		Name:         "example",
		Magnet:       "magnet:?xt=urn:btih:c9e15763f722f23e98a29decdfae341b98d53056",
		SavePath:     "/downloads",
		DesiredState: DesiredStarted,
	}
	if err := repo.Upsert(rec); err != nil {
		t.Fatalf("Upsert returned error: %v", err)
	}

	got, err := repo.Get(rec.Fingerprint)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got == nil {
		t.Fatal("expected record, got nil")
	}
	if got.Name != "example" || got.DesiredState != DesiredStarted {
		t.Fatalf("unexpected record: %+v", got)
	}

	// Upsert with the same fingerprint updates in place.
	rec.Name = "renamed"
	rec.DesiredState = DesiredPaused
	if err := repo.Upsert(rec); err != nil {
		t.Fatalf("second Upsert returned error: %v", err)
	}
	all, err := repo.GetAll()
	if err != nil {
		t.Fatalf("GetAll returned error: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 record after upsert, got %d", len(all))
	}
	if all[0].Name != "renamed" || all[0].DesiredState != DesiredPaused {
		t.Fatalf("upsert did not update: %+v", all[0])
	}
}

func TestTransferGetMissing(t *testing.T) {
	repo := NewTransferRepository(newTestDB(t))
	got, err := repo.Get("0000000000000000000000000000000000000000")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing record, got %+v", got)
	}
}

func TestTransferSetMovedAndDelete(t *testing.T) {
	repo := NewTransferRepository(newTestDB(t))
	rec := &TransferRecord{Fingerprint: "aaaa", Name: "x", DesiredState: DesiredStarted}
	if err := repo.Upsert(rec); err != nil {
		t.Fatal(err)
	}

	if err := repo.SetMoved("aaaa", true); err != nil {
		t.Fatalf("SetMoved returned error: %v", err)
	}
	got, err := repo.Get("aaaa")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Moved {
		t.Fatal("moved flag not persisted")
	}

	if err := repo.Delete("aaaa"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	got, err = repo.Get("aaaa")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("record still present after delete")
	}
}

func TestHistoryRecordAndSearch(t *testing.T) {
	repo := NewHistoryRepository(newTestDB(t), 0)

	if err := repo.Record("hash1", "ubuntu.iso", EventAdded, ""); err != nil {
		t.Fatalf("Record returned error: %v", err)
	}
	if err := repo.Record("hash1", "ubuntu.iso", EventFinished, ""); err != nil {
		t.Fatal(err)
	}
	if err := repo.Record("hash2", "movie.mkv", EventError, "disk full"); err != nil {
		t.Fatal(err)
	}

	all, err := repo.Recent("", 0)
	if err != nil {
		t.Fatalf("Recent returned error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}

	matches, err := repo.Recent("ubuntu", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches for ubuntu, got %d", len(matches))
	}

	matches, err = repo.Recent("disk full", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].Event != EventError {
		t.Fatalf("detail search failed: %+v", matches)
	}
}

func TestHistoryBounded(t *testing.T) {
	repo := NewHistoryRepository(newTestDB(t), 10)

	for i := 0; i < 25; i++ {
		name := fmt.Sprintf("torrent-%02d", i)
		if err := repo.Record("hash", name, EventAdded, ""); err != nil {
			t.Fatal(err)
		}
	}

	all, err := repo.Recent("", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 10 {
		t.Fatalf("expected history bounded to 10 entries, got %d", len(all))
	}
	// The newest entries survive pruning.
	if all[0].Name != "torrent-24" {
		t.Fatalf("unexpected newest entry: %+v", all[0])
	}
}

func TestHistoryExportCSV(t *testing.T) {
	repo := NewHistoryRepository(newTestDB(t), 0)
	if err := repo.Record("hash1", "ubuntu.iso", EventFinished, ""); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := repo.ExportCSV(&buf); err != nil {
		t.Fatalf("ExportCSV returned error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header plus 1 row, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "time,event,name") {
		t.Fatalf("unexpected CSV header: %q", lines[0])
	}
	if !strings.Contains(lines[1], "ubuntu.iso") {
		t.Fatalf("row missing torrent name: %q", lines[1])
	}
}
