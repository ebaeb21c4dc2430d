package sessions

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestLocalLocker_TryLock(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	release, err := locker.TryLock(ctx, "s1")
	if err != nil {
		t.Fatalf("TryLock() error = %v", err)
	}
	if _, err := locker.TryLock(ctx, "s1"); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("second TryLock() error = %v, want ErrSessionBusy", err)
	}

	other, err := locker.TryLock(ctx, "s2")
	if err != nil {
		t.Fatalf("TryLock(s2) error = %v", err)
	}
	other()

	release()
	release()
	if locker.Held("s1") {
		t.Fatal("s1 should be released")
	}
	again, err := locker.TryLock(ctx, "s1")
	if err != nil {
		t.Fatalf("TryLock() after release error = %v", err)
	}
	again()
}

func TestLocalLocker_OneWinnerUnderContention(t *testing.T) {
	locker := NewLocalLocker()
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := locker.TryLock(context.Background(), "s1"); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()
	if winners != 1 {
		t.Fatalf("winners = %d, want 1", winners)
	}
}

func TestLocalLocker_RequiresSessionID(t *testing.T) {
	if _, err := NewLocalLocker().TryLock(context.Background(), " "); err == nil {
		t.Fatal("expected error for empty session id")
	}
}

func newMockDBLocker(t *testing.T) (*DBLocker, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	locker, err := NewDBLocker(db, DBLockerConfig{OwnerID: "replica-a", TTL: time.Minute, RefreshInterval: time.Hour}, nil)
	if err != nil {
		t.Fatalf("NewDBLocker() error = %v", err)
	}
	t.Cleanup(func() { locker.Close() })
	return locker, mock
}

func TestDBLocker_AcquireAndRelease(t *testing.T) {
	locker, mock := newMockDBLocker(t)

	mock.ExpectQuery("INSERT INTO session_locks").
		WithArgs("s1", "replica-a", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"owner_id"}).AddRow("replica-a"))
	mock.ExpectExec("DELETE FROM session_locks").
		WithArgs("s1", "replica-a").
		WillReturnResult(sqlmock.NewResult(0, 1))

	release, err := locker.TryLock(context.Background(), "s1")
	if err != nil {
		t.Fatalf("TryLock() error = %v", err)
	}
	if _, err := locker.TryLock(context.Background(), "s1"); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("second TryLock() in-process error = %v, want ErrSessionBusy", err)
	}
	release()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestDBLocker_HeldByOtherReplica(t *testing.T) {
	locker, mock := newMockDBLocker(t)
	mock.ExpectQuery("INSERT INTO session_locks").WillReturnError(sql.ErrNoRows)

	if _, err := locker.TryLock(context.Background(), "s1"); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("TryLock() error = %v, want ErrSessionBusy", err)
	}
	if locker.local.Held("s1") {
		t.Fatal("local lock should be released when the lease is refused")
	}
}

func TestDBLocker_DatabaseError(t *testing.T) {
	locker, mock := newMockDBLocker(t)
	mock.ExpectQuery("INSERT INTO session_locks").WillReturnError(errors.New("connection refused"))

	_, err := locker.TryLock(context.Background(), "s1")
	if err == nil || errors.Is(err, ErrSessionBusy) {
		t.Fatalf("TryLock() error = %v, want database error", err)
	}
}

func TestNewDBLocker_Validation(t *testing.T) {
	if _, err := NewDBLocker(nil, DBLockerConfig{OwnerID: "a"}, nil); err == nil {
		t.Error("expected error for nil db")
	}
	db, _, _ := sqlmock.New()
	defer db.Close()
	if _, err := NewDBLocker(db, DBLockerConfig{}, nil); err == nil {
		t.Error("expected error for missing owner id")
	}
}
