package catalog

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/orchestra/model"
)

// MemoryRepository is an in-memory Repository.
type MemoryRepository struct {
	mu       sync.Mutex
	products map[string]Product // key: product ID
	handles  map[string]string  // handle -> product ID
	now      func() time.Time
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		products: make(map[string]Product),
		handles:  make(map[string]string),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Reserve creates a DRAFT product with PENDING placeholders.
func (r *MemoryRepository) Reserve(_ context.Context, req ReserveRequest) (Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.handles[req.Handle]; ok {
		existing := r.products[id]
		if !isReplay(existing, req.SourceURLs) {
			return Reservation{}, handleTaken(req.Handle, existing.Status)
		}
		return reservationOf(existing, true), nil
	}

	now := r.now()
	p := Product{
		ID:        uuid.New().String(),
		Handle:    req.Handle,
		Title:     req.Title,
		Status:    StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, src := range req.SourceURLs {
		p.Images = append(p.Images, Image{
			ID:        uuid.New().String(),
			ProductID: p.ID,
			Position:  i + 1,
			SourceURL: src,
			Status:    ImagePending,
		})
	}
	r.products[p.ID] = p
	r.handles[p.Handle] = p.ID
	return reservationOf(p, false), nil
}

// Finalize applies the phase-three write.
func (r *MemoryRepository) Finalize(_ context.Context, req FinalizeRequest) (Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.products[req.ProductID]
	if !ok {
		return Product{}, productNotFound(req.ProductID)
	}
	if !isUnfinalized(p) {
		return Product{}, model.NewConflictError(fmt.Sprintf("product %q is already finalized", p.ID))
	}

	images := slices.Clone(p.Images)
	for _, l := range req.Linked {
		i := slices.IndexFunc(images, func(img Image) bool { return img.ID == l.ImageID })
		if i < 0 {
			return Product{}, imageNotFound(p.ID, l.ImageID)
		}
		images[i].Status = ImageLinked
		images[i].ObjectKey = l.ObjectKey
	}
	for _, f := range req.Failed {
		i := slices.IndexFunc(images, func(img Image) bool { return img.ID == f.ImageID })
		if i < 0 {
			return Product{}, imageNotFound(p.ID, f.ImageID)
		}
		images[i].Status = ImageFailed
		images[i].Error = f.Error
	}

	p.Images = images
	p.Status = req.Status
	p.InterventionReason = req.InterventionReason
	now := r.now()
	p.UpdatedAt = now
	p.FinalizedAt = &now
	r.products[p.ID] = p
	return p, nil
}

// Discard deletes an unfinalized reservation.
func (r *MemoryRepository) Discard(_ context.Context, productID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.products[productID]
	if !ok {
		return nil
	}
	if !isUnfinalized(p) {
		return model.NewConflictError(fmt.Sprintf("product %q is finalized and cannot be discarded", productID))
	}
	delete(r.products, productID)
	delete(r.handles, p.Handle)
	return nil
}

// Get returns a product by ID.
func (r *MemoryRepository) Get(_ context.Context, productID string) (Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.products[productID]
	if !ok {
		return Product{}, productNotFound(productID)
	}
	p.Images = slices.Clone(p.Images)
	return p, nil
}

// GetByHandle returns a product by handle.
func (r *MemoryRepository) GetByHandle(ctx context.Context, handle string) (Product, error) {
	r.mu.Lock()
	id, ok := r.handles[handle]
	r.mu.Unlock()
	if !ok {
		return Product{}, model.NewNotFoundError(fmt.Sprintf("product with handle %q not found", handle))
	}
	return r.Get(ctx, id)
}

// Len returns the number of stored products (for testing).
func (r *MemoryRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.products)
}

func isUnfinalized(p Product) bool {
	return p.FinalizedAt == nil
}

// isReplay reports whether p is an unfinalized reservation for the same
// sources.
func isReplay(p Product, sources []string) bool {
	if !isUnfinalized(p) || len(p.Images) != len(sources) {
		return false
	}
	for i, img := range p.Images {
		if img.SourceURL != sources[i] {
			return false
		}
	}
	return true
}

func reservationOf(p Product, replayed bool) Reservation {
	res := Reservation{ProductID: p.ID, Images: []PendingImage{}, Replayed: replayed}
	for _, img := range p.Images {
		res.Images = append(res.Images, PendingImage{ID: img.ID, Position: img.Position, SourceURL: img.SourceURL})
	}
	return res
}

func handleTaken(handle string, status ProductStatus) *model.ErrorEnvelope {
	return &model.ErrorEnvelope{
		Code:    model.ErrConflict,
		Message: fmt.Sprintf("a %s product with handle %q already exists", status, handle),
		Details: []model.FieldError{{Field: "handle", Code: "taken", Message: "handle is already in use"}},
	}
}

func productNotFound(id string) *model.ErrorEnvelope {
	return model.NewNotFoundError(fmt.Sprintf("product %q not found", id))
}

func imageNotFound(productID, imageID string) *model.ErrorEnvelope {
	return model.NewNotFoundError(fmt.Sprintf("image %q does not belong to product %q", imageID, productID))
}
