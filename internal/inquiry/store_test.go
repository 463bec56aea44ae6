package inquiry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "agrotech.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	// each call advances one second so ordering is deterministic
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var tick int
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func validInquiry() NewInquiry {
	return NewInquiry{
		Name:     "Ana Souza",
		Email:    "Ana@Example.com ",
		Company:  "Fazenda Boa Vista",
		Message:  "We would like a quote for soil sensors.",
		ClientIP: "203.0.113.7",
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestCreateInquiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.CreateInquiry(ctx, validInquiry())
	if err != nil {
		t.Fatalf("CreateInquiry: %v", err)
	}
	if got.ID == "" {
		t.Fatal("expected generated id")
	}
	if got.Email != "ana@example.com" {
		t.Fatalf("email = %q, want normalized", got.Email)
	}

	list, err := s.ListInquiries(ctx, 10)
	if err != nil {
		t.Fatalf("ListInquiries: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("got %d inquiries, want 1", len(list))
	}
	if list[0].ID != got.ID || list[0].ClientIP != "203.0.113.7" || list[0].Company != "Fazenda Boa Vista" {
		t.Fatalf("stored inquiry = %+v", list[0])
	}
	if !list[0].CreatedAt.Equal(got.CreatedAt) {
		t.Fatalf("created_at = %s, want %s", list[0].CreatedAt, got.CreatedAt)
	}
}

func TestCreateInquiry_ValidationNotStored(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := validInquiry()
	in.Message = "   "
	_, err := s.CreateInquiry(ctx, in)
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}

	list, err := s.ListInquiries(ctx, 0)
	if err != nil {
		t.Fatalf("ListInquiries: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("invalid inquiry was stored: %+v", list)
	}
}

func TestListInquiries_NewestFirstAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		q, err := s.CreateInquiry(ctx, validInquiry())
		if err != nil {
			t.Fatalf("CreateInquiry %d: %v", i, err)
		}
		ids = append(ids, q.ID)
	}

	list, err := s.ListInquiries(ctx, 2)
	if err != nil {
		t.Fatalf("ListInquiries: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d, want 2", len(list))
	}
	if list[0].ID != ids[2] || list[1].ID != ids[1] {
		t.Fatalf("order = [%s %s], want newest first", list[0].ID, list[1].ID)
	}
}

func TestSubscribe_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, created, err := s.Subscribe(ctx, "grower@example.com")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if !created {
		t.Fatal("first subscribe should create")
	}

	again, created, err := s.Subscribe(ctx, "  GROWER@example.com")
	if err != nil {
		t.Fatalf("Subscribe again: %v", err)
	}
	if created {
		t.Fatal("repeat subscribe should not create")
	}
	if again.ID != first.ID {
		t.Fatalf("id = %s, want existing %s", again.ID, first.ID)
	}

	n, err := s.CountSubscribers(ctx)
	if err != nil {
		t.Fatalf("CountSubscribers: %v", err)
	}
	if n != 1 {
		t.Fatalf("subscribers = %d, want 1", n)
	}
}

func TestSubscribe_InvalidEmail(t *testing.T) {
	s := newTestStore(t)
	for _, email := range []string{"", "not-an-email", "@example.com", "user@"} {
		_, _, err := s.Subscribe(context.Background(), email)
		if !errors.Is(err, ErrInvalid) {
			t.Errorf("Subscribe(%q) err = %v, want ErrInvalid", email, err)
		}
	}
}

func TestStore_ClosedDatabase(t *testing.T) {
	s := newTestStore(t)
	_ = s.Close()

	if err := s.Ping(context.Background()); err == nil {
		t.Fatal("Ping on closed store should fail")
	}
	if _, err := s.CreateInquiry(context.Background(), validInquiry()); err == nil || errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want storage error", err)
	}
}
