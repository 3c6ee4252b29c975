package usecase

import (
	"context"
	"errors"

	"policy-renewal-agent/internal/integrations/jobservice"
)

// RenewalFetcher runs the remote authenticate, start job and poll pipeline.
type RenewalFetcher interface {
	FetchRenewalDate(ctx context.Context, policyNumber string) (jobservice.Result, error)
}

// renewalDate runs the pipeline and converts every failure into an empty
// date. Remote errors are logged here and go no further.
func (s *RenewalService) renewalDate(ctx context.Context, sessionID, policyNumber string) string {
	res, err := s.jobs.FetchRenewalDate(ctx, policyNumber)
	if err == nil {
		return res.RenewalDate
	}

	attrs := []any{"session_id", sessionID, "err", err}
	var callErr *jobservice.RemoteCallError
	if errors.As(err, &callErr) {
		attrs = append(attrs, "stage", callErr.Stage, "reason", callErr.Reason)
	}
	var statusErr *jobservice.HTTPStatusError
	if errors.As(err, &statusErr) {
		attrs = append(attrs, "status", statusErr.HTTPStatusCode())
	}
	s.logger.Warn("renewal: job pipeline failed", attrs...)
	return ""
}
