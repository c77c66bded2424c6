package repo

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/richardliu001/payledger/internal/apperr"
	"github.com/richardliu001/payledger/internal/model"
	"gorm.io/gorm"
)

type SubmissionInput struct {
	Site          string         `validate:"required,max=64"`
	FormSlug      string         `validate:"required,max=128"`
	SubmissionKey string         `validate:"max=128"`
	Status        string         `validate:"omitempty,oneof=new pending_payment spam error"`
	Name          string         `validate:"max=255"`
	Email         string         `validate:"omitempty,email,max=255"`
	Phone         string         `validate:"max=64"`
	Payload       map[string]any `validate:"-"`
}

// CreateSubmission inserts a submission once. With a submission key, a
// retry returns the stored row with deduped true and never overwrites it;
// without a key every call inserts.
func (r *Repository) CreateSubmission(ctx context.Context, in SubmissionInput) (*model.Submission, bool, error) {
	const op = "submissions.create"
	in.Site = strings.TrimSpace(in.Site)
	in.FormSlug = strings.TrimSpace(in.FormSlug)
	in.SubmissionKey = strings.TrimSpace(in.SubmissionKey)
	if err := validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, false, apperr.Validation(op, "field %s failed %s", verrs[0].Field(), verrs[0].Tag())
		}
		return nil, false, apperr.Validation(op, "%v", err)
	}
	if in.Status == "" {
		in.Status = model.SubmissionNew
	}
	payload := "{}"
	if in.Payload != nil {
		b, err := json.Marshal(in.Payload)
		if err != nil {
			return nil, false, apperr.Validation(op, "payload is not serializable: %v", err)
		}
		payload = string(b)
	}

	ctx, cancel := r.storeCtx(ctx)
	defer cancel()
	row := &model.Submission{
		ID:            uuid.NewString(),
		Site:          in.Site,
		FormSlug:      in.FormSlug,
		SubmissionKey: strPtr(in.SubmissionKey),
		Status:        in.Status,
		Name:          in.Name,
		Email:         in.Email,
		Phone:         in.Phone,
		Payload:       payload,
	}

	if row.SubmissionKey == nil {
		if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
			return nil, false, apperr.Store(op, err)
		}
		return row, false, nil
	}

	out, err := claimOrFetch(ctx, r.db, row, claimSpec[model.Submission]{
		fetch: func(ctx context.Context, db *gorm.DB) (*model.Submission, error) {
			var s model.Submission
			err := db.WithContext(ctx).
				Where("site = ? AND form_slug = ? AND submission_key = ?", in.Site, in.FormSlug, in.SubmissionKey).
				First(&s).Error
			return &s, err
		},
	})
	if err != nil {
		return nil, false, apperr.Store(op, err)
	}
	return out.row, out.state != claimInserted, nil
}

func (r *Repository) GetSubmission(ctx context.Context, id string) (*model.Submission, error) {
	ctx, cancel := r.storeCtx(ctx)
	defer cancel()
	var s model.Submission
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperr.Store("submissions.get", err)
	}
	return &s, nil
}

// MarkSubmissionConverted moves pending_payment→converted. It reports
// whether a row changed; an unknown id or another status is not an error.
func (r *Repository) MarkSubmissionConverted(ctx context.Context, id string) (bool, error) {
	ctx, cancel := r.storeCtx(ctx)
	defer cancel()
	res := r.db.WithContext(ctx).Model(&model.Submission{}).
		Where("id = ? AND status = ?", id, model.SubmissionPendingPayment).
		Update("status", model.SubmissionConverted)
	if res.Error != nil {
		return false, apperr.Store("submissions.convert", res.Error)
	}
	return res.RowsAffected > 0, nil
}
