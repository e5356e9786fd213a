package session

import (
	"context"
	"testing"
	"time"

	"github.com/formweaver/formweaver/internal/models"
)

func TestAppendThenRead(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	turns := []models.ConversationTurn{
		{Role: models.RoleSystem, Content: "persona"},
		{Role: models.RoleUser, Content: "contact form"},
		{Role: models.RoleAssistant, Content: `[{"label":"Name"}]`},
	}
	for _, turn := range turns {
		if err := store.Append(ctx, "s1", turn); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	got, err := store.Read(ctx, "s1")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(got) != len(turns) {
		t.Fatalf("expected %d turns, got %d", len(turns), len(got))
	}
	last := got[len(got)-1]
	if last != turns[len(turns)-1] {
		t.Errorf("expected last turn %+v, got %+v", turns[len(turns)-1], last)
	}
}

func TestReadIsIdempotent(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	if err := store.Append(ctx, "s1", models.ConversationTurn{Role: models.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	first, err := store.Read(ctx, "s1")
	if err != nil {
		t.Fatalf("first read failed: %v", err)
	}
	second, err := store.Read(ctx, "s1")
	if err != nil {
		t.Fatalf("second read failed: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("reads differ in length: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("turn %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestReadMissingSessionReturnsEmpty(t *testing.T) {
	store := NewInMemoryStore()
	got, err := store.Read(context.Background(), "nope")
	if err != nil {
		t.Fatalf("expected no error for missing session, got %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty transcript, got %d turns", len(got))
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	if err := store.Append(ctx, "s1", models.ConversationTurn{Role: models.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("second delete should be idempotent, got %v", err)
	}
	got, err := store.Read(ctx, "s1")
	if err != nil || len(got) != 0 {
		t.Errorf("expected empty transcript after delete, got %d turns, err %v", len(got), err)
	}
}

func TestExpiredSessionReadsEmpty(t *testing.T) {
	store := NewInMemoryStore(WithTTL(time.Hour))
	ctx := context.Background()
	base := time.Now()
	store.now = func() time.Time { return base }

	if err := store.Append(ctx, "s1", models.ConversationTurn{Role: models.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	store.now = func() time.Time { return base.Add(2 * time.Hour) }
	got, err := store.Read(ctx, "s1")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected expired session to read empty, got %d turns", len(got))
	}
}

func TestAppendRefreshesTTL(t *testing.T) {
	store := NewInMemoryStore(WithTTL(time.Hour))
	ctx := context.Background()
	base := time.Now()
	store.now = func() time.Time { return base }

	if err := store.Append(ctx, "s1", models.ConversationTurn{Role: models.RoleUser, Content: "one"}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	// 50 minutes later a second append slides the expiry forward.
	store.now = func() time.Time { return base.Add(50 * time.Minute) }
	if err := store.Append(ctx, "s1", models.ConversationTurn{Role: models.RoleUser, Content: "two"}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	store.now = func() time.Time { return base.Add(100 * time.Minute) }
	got, err := store.Read(ctx, "s1")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected refreshed session to survive, got %d turns", len(got))
	}
}

func TestNewRedisStoreRequiresAddr(t *testing.T) {
	if _, err := NewRedisStore(); err == nil {
		t.Error("expected error when redis address not set, got nil")
	}
}
