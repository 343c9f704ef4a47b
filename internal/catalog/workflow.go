package catalog

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/orchestra/internal/objectstore"
	"github.com/pitabwire/orchestra/internal/workflow"
	"github.com/pitabwire/orchestra/model"
)

// CreateProductWorkflow is the registered name of the product-creation
// workflow.
const CreateProductWorkflow workflow.Name = "create-product"

// MaxImages bounds the number of images per product.
const MaxImages = 10

// ProductIDKey holds the reserved product ID once phase one succeeds.
var ProductIDKey = workflow.NewKey[string]("product_id")

var handlePattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// Policy decides what phase three does when some uploads failed.
type Policy string

const (
	// PolicyKeepPartial links the images that uploaded and marks the product
	// FAILED for an operator to complete.
	PolicyKeepPartial Policy = "keep_partial"
	// PolicyRollbackAll deletes the images that uploaded and links none.
	PolicyRollbackAll Policy = "rollback_all"
)

// ParsePolicy validates a configured policy name. Empty means keep_partial.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyKeepPartial:
		return PolicyKeepPartial, nil
	case PolicyRollbackAll:
		return PolicyRollbackAll, nil
	default:
		return "", fmt.Errorf("unknown partial failure policy %q", s)
	}
}

// ImageStore copies images into durable storage. *objectstore.Uploader
// implements it.
type ImageStore interface {
	Upload(ctx context.Context, sourceURL, key string) (objectstore.Object, error)
	Delete(ctx context.Context, key string) error
}

// retryRecorder is optionally implemented by an ImageStore that counts
// retries per source.
type retryRecorder interface {
	RecordRetry(sourceURL string)
}

// CreateProductInput is the workflow input.
type CreateProductInput struct {
	Handle    string   `json:"handle"`
	Title     string   `json:"title"`
	ImageURLs []string `json:"image_urls"`
}

// FailedUpload describes an image that could not be stored.
type FailedUpload struct {
	ImageID   string `json:"image_id"`
	Position  int    `json:"position"`
	SourceURL string `json:"source_url"`
	Error     string `json:"error"`
}

// UploadedImage is an image stored by phase two.
type UploadedImage struct {
	ImageID   string `json:"image_id"`
	Position  int    `json:"position"`
	ObjectKey string `json:"object_key"`
}

// UploadOutcome is the result of phase two. Failed uploads are collected, not
// fatal.
type UploadOutcome struct {
	Uploaded []UploadedImage `json:"uploaded"`
	Failed   []FailedUpload  `json:"failed"`
}

// CreateProductOutput is the workflow result.
type CreateProductOutput struct {
	ProductID          string         `json:"product_id"`
	Handle             string         `json:"handle"`
	Status             ProductStatus  `json:"status"`
	InterventionReason string         `json:"intervention_reason,omitempty"`
	Images             []string       `json:"images"`
	FailedImages       []FailedUpload `json:"failed_images,omitempty"`
}

// Service creates products with the reserve, upload, finalize saga.
type Service struct {
	repo   Repository
	images ImageStore
	policy Policy
	retry  *workflow.RetryPolicy
}

// Option configures a Service.
type Option func(*Service)

// WithPolicy sets the partial-failure policy.
func WithPolicy(p Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithUploadRetry retries transient upload failures per image.
func WithUploadRetry(p *workflow.RetryPolicy) Option {
	return func(s *Service) { s.retry = p }
}

// NewService creates a product service.
func NewService(repo Repository, images ImageStore, opts ...Option) *Service {
	s := &Service{repo: repo, images: images, policy: PolicyKeepPartial}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Workflow returns the create-product workflow for registration. Its
// idempotency key is derived from the handle.
func (s *Service) Workflow() *workflow.Definition[CreateProductInput, CreateProductOutput] {
	return workflow.Define(CreateProductWorkflow, s.createProduct).
		WithDescription("Reserve a product, upload its images and finalize it").
		WithIdempotencyKey(func(in CreateProductInput) string {
			return "create-product:" + in.Handle
		})
}

// Product returns a stored product.
func (s *Service) Product(ctx context.Context, id string) (Product, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) createProduct(ctx context.Context, in CreateProductInput, wctx *workflow.Context) (CreateProductOutput, error) {
	return workflow.RunSaga(ctx, wctx, func(ctx context.Context) (CreateProductOutput, error) {
		res, err := s.reserveStep(len(in.ImageURLs)).Invoke(ctx, in, wctx)
		if err != nil {
			return CreateProductOutput{}, err
		}
		workflow.Set(wctx, ProductIDKey, res.ProductID)

		outcome, err := s.uploadAll(ctx, wctx, res)
		if err != nil {
			return CreateProductOutput{}, err
		}

		if s.policy == PolicyRollbackAll && len(outcome.Failed) > 0 && len(outcome.Uploaded) > 0 {
			if _, err := s.rollbackStep().Invoke(ctx, outcome.Uploaded, wctx); err != nil {
				return CreateProductOutput{}, err
			}
		}

		req := s.finalizeRequest(res, outcome)
		product, err := s.finalizeStep().Invoke(ctx, req, wctx)
		if err != nil {
			return CreateProductOutput{}, err
		}

		if len(outcome.Failed) > 0 {
			wctx.Logger().Warn("product needs intervention",
				zap.String("product_id", product.ID),
				zap.Int("failed_images", len(outcome.Failed)),
				zap.String("policy", string(s.policy)),
			)
		}
		return CreateProductOutput{
			ProductID:          product.ID,
			Handle:             product.Handle,
			Status:             product.Status,
			InterventionReason: product.InterventionReason,
			Images:             product.LinkedImages(),
			FailedImages:       outcome.Failed,
		}, nil
	})
}

// --- Phase 1 ---

func (s *Service) reserveStep(total int) workflow.Step[CreateProductInput, Reservation] {
	return workflow.Step[CreateProductInput, Reservation]{
		Name:       "reserve-product",
		TotalSteps: total + 2,
		Execute: func(ctx context.Context, in CreateProductInput, _ *workflow.Context) (workflow.StepResponse[Reservation], error) {
			if err := validate(in); err != nil {
				return workflow.StepResponse[Reservation]{}, err
			}
			res, err := s.repo.Reserve(ctx, ReserveRequest{Handle: in.Handle, Title: in.Title, SourceURLs: in.ImageURLs})
			if err != nil {
				return workflow.StepResponse[Reservation]{}, err
			}
			return workflow.NewStepResponse(res).WithKey(res.ProductID), nil
		},
		Compensate: func(ctx context.Context, _ CreateProductInput, _ *workflow.Context, _ any, res Reservation) error {
			// A replayed reservation belongs to the execution that made it.
			if res.Replayed {
				return nil
			}
			return s.repo.Discard(ctx, res.ProductID)
		},
	}
}

func validate(in CreateProductInput) error {
	var details []model.FieldError
	if !handlePattern.MatchString(in.Handle) {
		details = append(details, model.FieldError{
			Field:   "handle",
			Code:    "invalid_format",
			Message: "handle must be lowercase letters, digits and single hyphens",
		})
	}
	if len(in.ImageURLs) > MaxImages {
		details = append(details, model.FieldError{
			Field:   "image_urls",
			Code:    "too_many",
			Message: fmt.Sprintf("at most %d images are allowed", MaxImages),
		})
	}
	for i, u := range in.ImageURLs {
		if u == "" {
			details = append(details, model.FieldError{
				Field:   fmt.Sprintf("image_urls[%d]", i),
				Code:    "required",
				Message: "image URL must not be empty",
			})
		}
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

// --- Phase 2 ---

// uploadAll stores each image outside any transaction. It only fails when
// the execution itself is cancelled or timed out.
func (s *Service) uploadAll(ctx context.Context, wctx *workflow.Context, res Reservation) (UploadOutcome, error) {
	outcome := UploadOutcome{Uploaded: []UploadedImage{}, Failed: []FailedUpload{}}
	total := len(res.Images)

	for i, img := range res.Images {
		key := res.ProductID + "/" + img.ID
		obj, err := s.uploadStep(img, key, total).Invoke(ctx, img, wctx)

		if ctx.Err() != nil {
			return outcome, context.Cause(ctx)
		}
		if err != nil {
			outcome.Failed = append(outcome.Failed, FailedUpload{
				ImageID:   img.ID,
				Position:  img.Position,
				SourceURL: img.SourceURL,
				Error:     stepCause(err).Error(),
			})
		} else {
			outcome.Uploaded = append(outcome.Uploaded, UploadedImage{ImageID: img.ID, Position: img.Position, ObjectKey: obj.Key})
		}

		wctx.PublishStepProgress(ctx, model.StepProgress{
			StepName:   "upload-images",
			Current:    i + 1,
			Total:      total,
			TotalSteps: total + 2,
			Message:    fmt.Sprintf("uploaded %d, failed %d", len(outcome.Uploaded), len(outcome.Failed)),
		})
	}
	return outcome, nil
}

func (s *Service) uploadStep(img PendingImage, key string, total int) workflow.Step[PendingImage, objectstore.Object] {
	return workflow.Step[PendingImage, objectstore.Object]{
		Name:       fmt.Sprintf("upload-image-%d", img.Position),
		TotalSteps: total + 2,
		Retry:      s.uploadRetry(img.SourceURL),
		Execute: func(ctx context.Context, img PendingImage, _ *workflow.Context) (workflow.StepResponse[objectstore.Object], error) {
			obj, err := s.images.Upload(ctx, img.SourceURL, key)
			if err != nil {
				return workflow.StepResponse[objectstore.Object]{}, err
			}
			return workflow.NewStepResponse(obj).WithCompensation(obj.Key).WithKey(obj.Key), nil
		},
		Compensate: func(ctx context.Context, _ PendingImage, _ *workflow.Context, data any, _ objectstore.Object) error {
			return s.images.Delete(ctx, data.(string))
		},
	}
}

func (s *Service) uploadRetry(sourceURL string) *workflow.RetryPolicy {
	if s.retry == nil {
		return nil
	}
	p := *s.retry
	p.Retryable = objectstore.IsTransient
	if rec, ok := s.images.(retryRecorder); ok {
		p.OnRetry = func(error, time.Duration) { rec.RecordRetry(sourceURL) }
	}
	return &p
}

func (s *Service) rollbackStep() workflow.Step[[]UploadedImage, int] {
	return workflow.Step[[]UploadedImage, int]{
		Name: "rollback-uploads",
		Execute: func(ctx context.Context, uploaded []UploadedImage, _ *workflow.Context) (workflow.StepResponse[int], error) {
			var errs []error
			for _, u := range uploaded {
				if err := s.images.Delete(ctx, u.ObjectKey); err != nil {
					errs = append(errs, fmt.Errorf("delete %s: %w", u.ObjectKey, err))
				}
			}
			if err := errors.Join(errs...); err != nil {
				return workflow.StepResponse[int]{}, err
			}
			return workflow.NewStepResponse(len(uploaded)), nil
		},
	}
}

// --- Phase 3 ---

// finalizeRequest decides the product's terminal state from the upload
// outcome and the policy.
func (s *Service) finalizeRequest(res Reservation, outcome UploadOutcome) FinalizeRequest {
	req := FinalizeRequest{ProductID: res.ProductID}
	total := len(res.Images)

	for _, f := range outcome.Failed {
		req.Failed = append(req.Failed, FailedImage{ImageID: f.ImageID, Error: f.Error})
	}

	switch {
	case total == 0:
		req.Status = StatusDraft
	case len(outcome.Failed) == 0:
		req.Status = StatusReady
	case s.policy == PolicyRollbackAll:
		req.Status = StatusFailed
		req.InterventionReason = fmt.Sprintf("%d of %d images failed to upload; uploaded images were rolled back", len(outcome.Failed), total)
		for _, u := range outcome.Uploaded {
			req.Failed = append(req.Failed, FailedImage{ImageID: u.ImageID, Error: "rolled back after partial failure"})
		}
		return req
	default:
		req.Status = StatusFailed
		req.InterventionReason = fmt.Sprintf("%d of %d images failed to upload", len(outcome.Failed), total)
	}

	for _, u := range outcome.Uploaded {
		req.Linked = append(req.Linked, LinkedImage{ImageID: u.ImageID, ObjectKey: u.ObjectKey})
	}
	return req
}

func (s *Service) finalizeStep() workflow.Step[FinalizeRequest, Product] {
	return workflow.Step[FinalizeRequest, Product]{
		Name: "finalize-product",
		Execute: func(ctx context.Context, req FinalizeRequest, _ *workflow.Context) (workflow.StepResponse[Product], error) {
			p, err := s.repo.Finalize(ctx, req)
			if err != nil {
				return workflow.StepResponse[Product]{}, err
			}
			return workflow.NewStepResponse(p), nil
		},
	}
}

// stepCause strips the *workflow.StepError wrapper.
func stepCause(err error) error {
	var se *workflow.StepError
	if errors.As(err, &se) {
		return se.Err
	}
	return err
}
