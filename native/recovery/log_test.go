package recovery

import (
	"errors"
	"testing"

	"lendmarket/storage"
)

func TestRecordAssignsMonotonicIDs(t *testing.T) {
	log, err := NewLog(storage.NewMemDB())
	if err != nil {
		t.Fatalf("new log: %v", err)
	}
	first, err := log.Record("mint", []byte("a"), 100)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	second, err := log.Record("transfer", []byte("b"), 101)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if second <= first {
		t.Fatalf("ids not monotonic: %d then %d", first, second)
	}
}

func TestTakeIsExactlyOnce(t *testing.T) {
	log, err := NewLog(storage.NewMemDB())
	if err != nil {
		t.Fatalf("new log: %v", err)
	}
	id, err := log.Record("mint", []byte("payload"), 100)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	entry, err := log.Take(id)
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if entry.Kind != "mint" || string(entry.Payload) != "payload" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if _, err := log.Take(id); !errors.Is(err, ErrUnknownQuery) {
		t.Fatalf("second take: got %v, want ErrUnknownQuery", err)
	}
}

func TestAbandonDropsEntry(t *testing.T) {
	log, err := NewLog(storage.NewMemDB())
	if err != nil {
		t.Fatalf("new log: %v", err)
	}
	id, err := log.Record("burn", []byte("x"), 100)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := log.Abandon(id); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if _, err := log.Take(id); !errors.Is(err, ErrUnknownQuery) {
		t.Fatalf("take after abandon: got %v", err)
	}
}

func TestLogSurvivesRestart(t *testing.T) {
	db := storage.NewMemDB()
	log, err := NewLog(db)
	if err != nil {
		t.Fatalf("new log: %v", err)
	}
	id, err := log.Record("mint", []byte("durable"), 100)
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	reopened, err := NewLog(db)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	pending := reopened.Pending()
	if len(pending) != 1 || pending[0].QueryID != id {
		t.Fatalf("pending after restart: %+v", pending)
	}
	next, err := reopened.Record("other", []byte("y"), 101)
	if err != nil {
		t.Fatalf("record after restart: %v", err)
	}
	if next <= id {
		t.Fatalf("id sequence regressed after restart: %d then %d", id, next)
	}
	entry, err := reopened.Take(id)
	if err != nil || string(entry.Payload) != "durable" {
		t.Fatalf("take after restart: %v %+v", err, entry)
	}
}
