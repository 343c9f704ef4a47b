package catalog

import (
	"context"
	"testing"

	"github.com/pitabwire/orchestra/internal/testutil"
	"github.com/pitabwire/orchestra/model"
)

func runRepositoryContract(t *testing.T, newRepo func(t *testing.T) Repository) {
	ctx := context.Background()
	sources := []string{"https://cdn.example.com/1.jpg", "https://cdn.example.com/2.jpg"}

	t.Run("reserve creates draft with pending placeholders", func(t *testing.T) {
		r := newRepo(t)
		res, err := r.Reserve(ctx, ReserveRequest{Handle: "blue-shirt", Title: "Blue shirt", SourceURLs: sources})
		if err != nil {
			t.Fatalf("Reserve error: %v", err)
		}
		if res.Replayed {
			t.Error("first reservation must not be a replay")
		}
		if len(res.Images) != 2 || res.Images[0].Position != 1 || res.Images[1].Position != 2 {
			t.Fatalf("images = %+v", res.Images)
		}

		p, err := r.GetByHandle(ctx, "blue-shirt")
		if err != nil {
			t.Fatalf("GetByHandle error: %v", err)
		}
		if p.ID != res.ProductID || p.Status != StatusDraft || p.Title != "Blue shirt" {
			t.Errorf("product = %+v", p)
		}
		for _, img := range p.Images {
			if img.Status != ImagePending {
				t.Errorf("image %d status = %s, want PENDING", img.Position, img.Status)
			}
		}
	})

	t.Run("identical reservation is replayed", func(t *testing.T) {
		r := newRepo(t)
		first, _ := r.Reserve(ctx, ReserveRequest{Handle: "red-shirt", SourceURLs: sources})
		second, err := r.Reserve(ctx, ReserveRequest{Handle: "red-shirt", SourceURLs: sources})
		if err != nil {
			t.Fatalf("replay error: %v", err)
		}
		if !second.Replayed || second.ProductID != first.ProductID || second.Images[1].ID != first.Images[1].ID {
			t.Errorf("replay = %+v, want same reservation as %+v", second, first)
		}
	})

	t.Run("different reservation for a taken handle conflicts", func(t *testing.T) {
		r := newRepo(t)
		_, _ = r.Reserve(ctx, ReserveRequest{Handle: "green-shirt", SourceURLs: sources})
		_, err := r.Reserve(ctx, ReserveRequest{Handle: "green-shirt", SourceURLs: sources[:1]})
		if code := model.CodeOf(err); code != model.ErrConflict {
			t.Errorf("code = %q, want CONFLICT", code)
		}
	})

	t.Run("finalize links and fails images once", func(t *testing.T) {
		r := newRepo(t)
		res, _ := r.Reserve(ctx, ReserveRequest{Handle: "hat", SourceURLs: sources})

		p, err := r.Finalize(ctx, FinalizeRequest{
			ProductID:          res.ProductID,
			Status:             StatusFailed,
			InterventionReason: "1 of 2 images failed to upload",
			Linked:             []LinkedImage{{ImageID: res.Images[0].ID, ObjectKey: "k1"}},
			Failed:             []FailedImage{{ImageID: res.Images[1].ID, Error: "source returned 502"}},
		})
		if err != nil {
			t.Fatalf("Finalize error: %v", err)
		}
		if p.Status != StatusFailed || p.InterventionReason == "" {
			t.Errorf("product = %+v", p)
		}
		if p.Images[0].Status != ImageLinked || p.Images[0].ObjectKey != "k1" {
			t.Errorf("image 1 = %+v", p.Images[0])
		}
		if p.Images[1].Status != ImageFailed || p.Images[1].Error != "source returned 502" {
			t.Errorf("image 2 = %+v", p.Images[1])
		}
		if keys := p.LinkedImages(); len(keys) != 1 || keys[0] != "k1" {
			t.Errorf("LinkedImages = %v", keys)
		}

		_, err = r.Finalize(ctx, FinalizeRequest{ProductID: res.ProductID, Status: StatusReady})
		if code := model.CodeOf(err); code != model.ErrConflict {
			t.Errorf("second finalize code = %q, want CONFLICT", code)
		}
		_, err = r.Reserve(ctx, ReserveRequest{Handle: "hat", SourceURLs: sources})
		if code := model.CodeOf(err); code != model.ErrConflict {
			t.Errorf("reserving a finalized handle code = %q, want CONFLICT", code)
		}
	})

	t.Run("finalize rejects foreign images", func(t *testing.T) {
		r := newRepo(t)
		res, _ := r.Reserve(ctx, ReserveRequest{Handle: "scarf", SourceURLs: sources})
		_, err := r.Finalize(ctx, FinalizeRequest{
			ProductID: res.ProductID,
			Status:    StatusReady,
			Linked:    []LinkedImage{{ImageID: "not-an-image", ObjectKey: "k"}},
		})
		if code := model.CodeOf(err); code != model.ErrNotFound {
			t.Errorf("code = %q, want NOT_FOUND", code)
		}
		p, _ := r.Get(ctx, res.ProductID)
		if p.Status != StatusDraft {
			t.Errorf("status after rejected finalize = %s, want DRAFT", p.Status)
		}
	})

	t.Run("discard removes reservation", func(t *testing.T) {
		r := newRepo(t)
		res, _ := r.Reserve(ctx, ReserveRequest{Handle: "sock", SourceURLs: sources})
		if err := r.Discard(ctx, res.ProductID); err != nil {
			t.Fatalf("Discard error: %v", err)
		}
		if _, err := r.Get(ctx, res.ProductID); model.CodeOf(err) != model.ErrNotFound {
			t.Errorf("Get after discard error = %v, want NOT_FOUND", err)
		}
		if err := r.Discard(ctx, res.ProductID); err != nil {
			t.Errorf("second Discard error = %v, want nil", err)
		}
		if _, err := r.Reserve(ctx, ReserveRequest{Handle: "sock"}); err != nil {
			t.Errorf("handle not freed: %v", err)
		}
	})

	t.Run("discard refuses finalized products", func(t *testing.T) {
		r := newRepo(t)
		res, _ := r.Reserve(ctx, ReserveRequest{Handle: "belt"})
		_, _ = r.Finalize(ctx, FinalizeRequest{ProductID: res.ProductID, Status: StatusDraft})
		err := r.Discard(ctx, res.ProductID)
		if code := model.CodeOf(err); code != model.ErrConflict {
			t.Errorf("code = %q, want CONFLICT", code)
		}
	})

	t.Run("missing products", func(t *testing.T) {
		r := newRepo(t)
		if _, err := r.Get(ctx, "missing"); model.CodeOf(err) != model.ErrNotFound {
			t.Errorf("Get error = %v", err)
		}
		if _, err := r.GetByHandle(ctx, "missing"); model.CodeOf(err) != model.ErrNotFound {
			t.Errorf("GetByHandle error = %v", err)
		}
		if _, err := r.Finalize(ctx, FinalizeRequest{ProductID: "missing"}); model.CodeOf(err) != model.ErrNotFound {
			t.Errorf("Finalize error = %v", err)
		}
	})
}

func TestMemoryRepository_Contract(t *testing.T) {
	runRepositoryContract(t, func(*testing.T) Repository { return NewMemoryRepository() })
}

func TestPgRepository_Contract(t *testing.T) {
	pool := testutil.PostgresPool(t)
	if err := NewPgRepository(pool).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate error: %v", err)
	}

	runRepositoryContract(t, func(t *testing.T) Repository {
		testutil.TruncateTables(t, pool, "catalog_images", "catalog_products")
		return NewPgRepository(pool)
	})
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{"": PolicyKeepPartial, "keep_partial": PolicyKeepPartial, "rollback_all": PolicyRollbackAll} {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Errorf("ParsePolicy(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParsePolicy("best_effort"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
