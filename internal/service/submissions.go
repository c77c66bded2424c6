package service

import (
	"context"

	"github.com/richardliu001/payledger/internal/metrics"
	"github.com/richardliu001/payledger/internal/model"
	"github.com/richardliu001/payledger/internal/repo"
	"go.uber.org/zap"
)

// SubmissionService records form posts once per submission key.
type SubmissionService struct {
	repo    repo.RepositoryInterface
	metrics *metrics.Metrics
	log     *zap.SugaredLogger
}

// NewSubmissionService returns SubmissionService.
func NewSubmissionService(r repo.RepositoryInterface, m *metrics.Metrics, logger *zap.SugaredLogger) *SubmissionService {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SubmissionService{repo: r, metrics: m, log: logger}
}

// Create stores in, or returns the stored row with deduped true when the
// same (site, form, key) was seen before.
func (s *SubmissionService) Create(ctx context.Context, in repo.SubmissionInput) (*model.Submission, bool, error) {
	sub, deduped, err := s.repo.CreateSubmission(ctx, in)
	if err != nil {
		s.log.Warnw("create submission", "site", in.Site, "form", in.FormSlug, "error", err)
		return nil, false, err
	}
	s.metrics.Submission(sub.Site, deduped)
	if deduped {
		s.log.Infow("submission replayed", "submission_id", sub.ID, "site", sub.Site, "form", sub.FormSlug)
	} else {
		s.log.Infow("submission stored", "submission_id", sub.ID, "site", sub.Site, "form", sub.FormSlug, "status", sub.Status)
	}
	return sub, deduped, nil
}
