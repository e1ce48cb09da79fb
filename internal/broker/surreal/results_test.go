package surreal

import (
	"context"
	"testing"
	"time"

	"github.com/bobmcallan/fhegate/internal/models"
)

func TestResultPutGet(t *testing.T) {
	s := NewResultStore(testDB(t), testLogger(), time.Hour)
	ctx := context.Background()

	outcome := &models.Outcome{
		TaskID:     "task-1",
		UID:        "uid-1",
		TaskName:   "example",
		Status:     models.StatusSuccess,
		Stdout:     "ok",
		Stderr:     "",
		ReturnCode: 0,
		DurationMS: 1234,
		Digests:    map[string]string{"uid-1.example.output.fheencrypted": "abcd"},
	}

	if err := s.Put(ctx, outcome); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, "task-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("expected a record")
	}
	if got.Status != models.StatusSuccess {
		t.Errorf("status = %s", got.Status)
	}
	if got.Stdout != "ok" || got.DurationMS != 1234 {
		t.Errorf("record = %+v", got)
	}
	if got.Digests["uid-1.example.output.fheencrypted"] != "abcd" {
		t.Errorf("digests = %v", got.Digests)
	}
}

func TestResultPutReplaces(t *testing.T) {
	s := NewResultStore(testDB(t), testLogger(), time.Hour)
	ctx := context.Background()

	s.Put(ctx, &models.Outcome{TaskID: "task-1", Status: models.StatusStarted})
	s.Put(ctx, &models.Outcome{TaskID: "task-1", Status: models.StatusRevoked, Detail: "cancelled"})

	got, err := s.Get(ctx, "task-1")
	if err != nil || got == nil {
		t.Fatalf("Get = (%+v, %v)", got, err)
	}
	if got.Status != models.StatusRevoked {
		t.Errorf("status = %s, want revoked", got.Status)
	}
}

func TestResultAbsenceIsNotAnError(t *testing.T) {
	s := NewResultStore(testDB(t), testLogger(), time.Hour)

	got, err := s.Get(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestResultTTLExpiry(t *testing.T) {
	s := NewResultStore(testDB(t), testLogger(), 100*time.Millisecond)
	ctx := context.Background()

	if err := s.Put(ctx, &models.Outcome{TaskID: "task-1", Status: models.StatusSuccess}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if got, _ := s.Get(ctx, "task-1"); got == nil {
		t.Fatal("record should be live before expiry")
	}

	time.Sleep(150 * time.Millisecond)

	got, err := s.Get(ctx, "task-1")
	if err != nil {
		t.Fatalf("Get after expiry: %v", err)
	}
	if got != nil {
		t.Error("expired record still visible")
	}

	if _, err := s.PurgeExpired(ctx); err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
}

func TestResultDelete(t *testing.T) {
	s := NewResultStore(testDB(t), testLogger(), time.Hour)
	ctx := context.Background()

	s.Put(ctx, &models.Outcome{TaskID: "task-1", Status: models.StatusSuccess})
	if err := s.Delete(ctx, "task-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got, _ := s.Get(ctx, "task-1"); got != nil {
		t.Error("record survived delete")
	}
}
