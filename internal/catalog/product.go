// Package catalog implements product creation as a three-phase saga: a short
// reservation transaction, image uploads outside any transaction, and a short
// finalizing transaction.
package catalog

import (
	"context"
	"time"
)

// ProductStatus is the lifecycle state of a product.
type ProductStatus string

const (
	// StatusDraft is a reserved product, or a finalized one without images.
	StatusDraft ProductStatus = "DRAFT"
	// StatusReady is a product whose images all uploaded. It may be published.
	StatusReady ProductStatus = "READY"
	// StatusFailed is a product that needs an operator decision; see
	// InterventionReason.
	StatusFailed ProductStatus = "FAILED"
)

// ImageStatus is the state of one product image.
type ImageStatus string

const (
	ImagePending ImageStatus = "PENDING"
	ImageLinked  ImageStatus = "LINKED"
	ImageFailed  ImageStatus = "FAILED"
)

// Product is a catalog product with its images.
type Product struct {
	ID                 string        `json:"id"`
	Handle             string        `json:"handle"`
	Title              string        `json:"title"`
	Status             ProductStatus `json:"status"`
	InterventionReason string        `json:"intervention_reason,omitempty"`
	Images             []Image       `json:"images"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
	// FinalizedAt is set by phase three. A product without it is a
	// reservation.
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
}

// LinkedImages returns the object keys of linked images in position order.
func (p Product) LinkedImages() []string {
	keys := []string{}
	for _, img := range p.Images {
		if img.Status == ImageLinked {
			keys = append(keys, img.ObjectKey)
		}
	}
	return keys
}

// Image is one product image. ObjectKey is set once the image is linked.
type Image struct {
	ID        string      `json:"id"`
	ProductID string      `json:"product_id"`
	Position  int         `json:"position"`
	SourceURL string      `json:"source_url"`
	ObjectKey string      `json:"object_key,omitempty"`
	Status    ImageStatus `json:"status"`
	Error     string      `json:"error,omitempty"`
}

// ReserveRequest asks for a DRAFT product with one placeholder per source.
type ReserveRequest struct {
	Handle     string
	Title      string
	SourceURLs []string
}

// PendingImage is an image placeholder created by a reservation.
type PendingImage struct {
	ID        string `json:"id"`
	Position  int    `json:"position"`
	SourceURL string `json:"source_url"`
}

// Reservation is the result of phase one. Replayed is true when an earlier
// execution made it.
type Reservation struct {
	ProductID string         `json:"product_id"`
	Images    []PendingImage `json:"images"`
	Replayed  bool           `json:"replayed,omitempty"`
}

// LinkedImage attaches an uploaded object to a placeholder.
type LinkedImage struct {
	ImageID   string
	ObjectKey string
}

// FailedImage marks a placeholder as failed.
type FailedImage struct {
	ImageID string
	Error   string
}

// FinalizeRequest is the single write of phase three.
type FinalizeRequest struct {
	ProductID          string
	Status             ProductStatus
	InterventionReason string
	Linked             []LinkedImage
	Failed             []FailedImage
}

// Repository persists products. Each method is one short transaction.
type Repository interface {
	// Reserve creates a DRAFT product and PENDING placeholders. Reserving a
	// handle that already has an identical unfinalized reservation returns
	// it with Replayed set; any other existing product is a CONFLICT.
	Reserve(ctx context.Context, req ReserveRequest) (Reservation, error)

	// Finalize links and fails images and sets the product status. A product
	// is finalized at most once.
	Finalize(ctx context.Context, req FinalizeRequest) (Product, error)

	// Discard deletes an unfinalized reservation. Missing products are
	// ignored.
	Discard(ctx context.Context, productID string) error

	// Get returns a product by ID. Returns NOT_FOUND if absent.
	Get(ctx context.Context, productID string) (Product, error)

	// GetByHandle returns a product by handle. Returns NOT_FOUND if absent.
	GetByHandle(ctx context.Context, handle string) (Product, error)
}
