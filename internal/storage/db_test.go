package storage

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "data", "couchsync.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestJoinLeaveRoundTrip(t *testing.T) {
	db := openTestDB(t)
	const server = "https://media.example.org"

	if err := db.RecordJoin(server, "g-1", "movie night"); err != nil {
		t.Fatal(err)
	}

	rec, ok, err := db.LastGroup(server)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a last group")
	}
	if rec.GroupID != "g-1" || rec.GroupName != "movie night" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.LeftAt != nil {
		t.Fatal("episode should still be open")
	}

	if err := db.RecordLeave(server, "g-1"); err != nil {
		t.Fatal(err)
	}
	rec, _, err = db.LastGroup(server)
	if err != nil {
		t.Fatal(err)
	}
	if rec.LeftAt == nil {
		t.Fatal("episode should be closed after leave")
	}
}

func TestLastGroupEmptyHistory(t *testing.T) {
	db := openTestDB(t)

	_, ok, err := db.LastGroup("https://nowhere.example.org")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("empty history should report ok=false")
	}
}

func TestLeaveWithoutJoinIsHarmless(t *testing.T) {
	db := openTestDB(t)

	if err := db.RecordLeave("https://media.example.org", "g-unknown"); err != nil {
		t.Fatalf("leave without join errored: %v", err)
	}
}

func TestHistoryNewestFirstAndCapped(t *testing.T) {
	db := openTestDB(t)
	const server = "https://media.example.org"

	for _, id := range []string{"g-1", "g-2", "g-3"} {
		if err := db.RecordJoin(server, id, ""); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := db.History(server, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].GroupID != "g-3" || recs[1].GroupID != "g-2" {
		t.Fatalf("wrong order: %s, %s", recs[0].GroupID, recs[1].GroupID)
	}
}

func TestRememberServerUpserts(t *testing.T) {
	db := openTestDB(t)

	if err := db.RememberServer("https://media.example.org", "dev-1"); err != nil {
		t.Fatal(err)
	}
	if err := db.RememberServer("https://media.example.org", "dev-2"); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
}
