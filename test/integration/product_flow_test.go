package integration

import (
	"net/http"
	"testing"

	"github.com/pitabwire/orchestra/internal/catalog"
	"github.com/pitabwire/orchestra/model"
)

// ==========================================================================
// Happy path
// ==========================================================================

func TestProductFlow_AllImagesLinked(t *testing.T) {
	h := NewTestHarness(t)
	h.Origin.OnImage("/a.jpg").Serve("jpeg-a")
	h.Origin.OnImage("/b.jpg").Serve("jpeg-b")

	result := h.CreateProduct(h.ProductInput("linen-shirt", "/a.jpg", "/b.jpg"), nil)
	out := h.Output(result)

	if out.Status != catalog.StatusReady {
		t.Errorf("status = %q, want READY", out.Status)
	}
	if len(out.Images) != 2 {
		t.Fatalf("images = %v, want 2", out.Images)
	}
	for _, key := range out.Images {
		if !h.ObjectExists(key) {
			t.Errorf("object %s missing from bucket", key)
		}
	}

	p := h.Product(out.ProductID)
	if p.Handle != "linen-shirt" || p.Status != catalog.StatusReady {
		t.Errorf("product = %+v", p)
	}
	for _, img := range p.Images {
		if img.Status != catalog.ImageLinked {
			t.Errorf("image %d status = %q, want LINKED", img.Position, img.Status)
		}
	}

	var detail model.ExecutionDetail
	h.AssertJSON(t, h.GET("/v1/executions/"+result.ExecutionID), http.StatusOK, &detail)
	if detail.Execution.Status != model.StatusCompleted {
		t.Errorf("execution status = %q, want COMPLETED", detail.Execution.Status)
	}
	if len(detail.Steps) == 0 {
		t.Error("no step events recorded")
	}
}

func TestProductFlow_PublishesUploadProgress(t *testing.T) {
	h := NewTestHarness(t)
	h.Origin.OnImage("/a.jpg").Serve("jpeg-a")
	h.Origin.OnImage("/b.jpg").Serve("jpeg-b")

	h.Output(h.CreateProduct(h.ProductInput("wool-socks", "/a.jpg", "/b.jpg"), nil))

	var uploads []model.StepProgress
	for _, e := range h.Progress() {
		if e.StepName == "upload-images" {
			uploads = append(uploads, e)
		}
	}
	if len(uploads) != 2 {
		t.Fatalf("upload progress events = %d, want 2", len(uploads))
	}
	if uploads[1].Current != 2 || uploads[1].Total != 2 {
		t.Errorf("last event = %+v", uploads[1])
	}
}

func TestProductFlow_NoImagesIsDraft(t *testing.T) {
	h := NewTestHarness(t)

	out := h.Output(h.CreateProduct(h.ProductInput("plain-tee"), nil))
	if out.Status != catalog.StatusDraft {
		t.Errorf("status = %q, want DRAFT", out.Status)
	}
}

// ==========================================================================
// Partial failure policies
// ==========================================================================

func TestProductFlow_KeepPartialLinksSurvivors(t *testing.T) {
	h := NewTestHarness(t)
	h.Origin.OnImage("/a.jpg").Serve("jpeg-a")
	// /missing.jpg is not configured and answers 404.

	out := h.Output(h.CreateProduct(h.ProductInput("denim-jacket", "/a.jpg", "/missing.jpg"), nil))

	if out.Status != catalog.StatusFailed {
		t.Errorf("status = %q, want FAILED", out.Status)
	}
	if out.InterventionReason != "1 of 2 images failed to upload" {
		t.Errorf("reason = %q", out.InterventionReason)
	}
	if len(out.Images) != 1 || !h.ObjectExists(out.Images[0]) {
		t.Errorf("images = %v, want the one surviving upload", out.Images)
	}
	// 4xx is final and not retried.
	if hits := h.Origin.Hits("/missing.jpg"); hits != 1 {
		t.Errorf("missing image hits = %d, want 1", hits)
	}

	p := h.Product(out.ProductID)
	if len(p.LinkedImages()) != 1 {
		t.Errorf("linked images = %d, want 1", len(p.LinkedImages()))
	}
}

func TestProductFlow_RollbackAllRemovesUploads(t *testing.T) {
	h := NewTestHarness(t, WithPolicy(catalog.PolicyRollbackAll))
	h.Origin.OnImage("/a.jpg").Serve("jpeg-a")
	h.Origin.OnImage("/b.jpg").Serve("jpeg-b")

	out := h.Output(h.CreateProduct(h.ProductInput("rain-coat", "/a.jpg", "/missing.jpg", "/b.jpg"), nil))

	if out.Status != catalog.StatusFailed {
		t.Errorf("status = %q, want FAILED", out.Status)
	}
	if len(out.Images) != 0 {
		t.Errorf("images = %v, want none", out.Images)
	}

	p := h.Product(out.ProductID)
	for _, img := range p.Images {
		if img.Status != catalog.ImageFailed {
			t.Errorf("image %d status = %q, want FAILED", img.Position, img.Status)
		}
		if img.ObjectKey != "" && h.ObjectExists(img.ObjectKey) {
			t.Errorf("object %s survived the rollback", img.ObjectKey)
		}
	}
}

// ==========================================================================
// Validation and conflicts
// ==========================================================================

func TestProductFlow_InvalidHandleChangesNothing(t *testing.T) {
	h := NewTestHarness(t)

	result := h.CreateProduct(h.ProductInput("Not A Handle"), nil)

	if result.Succeeded() {
		t.Fatal("expected failure")
	}
	if result.Error.Code != model.ErrValidationError || result.Error.Outcome != model.OutcomeNothingHappened {
		t.Errorf("error = %+v", result.Error)
	}
	if h.Products.Len() != 0 {
		t.Errorf("products = %d, want 0", h.Products.Len())
	}
}

func TestProductFlow_TakenHandleConflicts(t *testing.T) {
	h := NewTestHarness(t)
	h.Output(h.CreateProduct(h.ProductInput("canvas-bag"), nil))

	result := h.CreateProduct(h.ProductInput("canvas-bag"), map[string]string{"X-Idempotency-Key": "second-attempt"})

	if result.Succeeded() {
		t.Fatal("expected failure")
	}
	if result.Error.Code != model.ErrConflict {
		t.Errorf("code = %q, want CONFLICT", result.Error.Code)
	}
	if h.Products.Len() != 1 {
		t.Errorf("products = %d, want 1", h.Products.Len())
	}
}

// ==========================================================================
// Idempotency
// ==========================================================================

func TestProductFlow_ReplayDoesNotRerun(t *testing.T) {
	h := NewTestHarness(t)
	h.Origin.OnImage("/a.jpg").Serve("jpeg-a")
	headers := map[string]string{"X-Idempotency-Key": "create-cap-1"}

	first := h.CreateProduct(h.ProductInput("cap", "/a.jpg"), headers)
	second := h.CreateProduct(h.ProductInput("cap", "/a.jpg"), headers)

	if first.Replayed || !second.Replayed {
		t.Errorf("replayed = %v, %v; want false, true", first.Replayed, second.Replayed)
	}
	if first.ExecutionID != second.ExecutionID {
		t.Errorf("execution ids differ: %s, %s", first.ExecutionID, second.ExecutionID)
	}
	if hits := h.Origin.Hits("/a.jpg"); hits != 1 {
		t.Errorf("origin hits = %d, want 1", hits)
	}
}

func TestProductFlow_UnknownProductIsNotFound(t *testing.T) {
	h := NewTestHarness(t)
	h.AssertStatus(t, h.GET("/v1/products/does-not-exist"), http.StatusNotFound)
}
