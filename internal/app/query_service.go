// Package app hosts the application services sitting between the transport
// layers and the domain: the ingest orchestrator and the read-side queries.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/scantrail/api/internal/metrics"
	"github.com/scantrail/api/pkg/domain/finding"
	"github.com/scantrail/api/pkg/domain/report"
	"github.com/scantrail/api/pkg/domain/shared"
	"github.com/scantrail/api/pkg/logger"
	"github.com/scantrail/api/pkg/pagination"
	"github.com/scantrail/api/pkg/validator"
)

// QueryService serves the read side: live findings, the fixed backlog and
// per-finding timelines.
type QueryService struct {
	findings  finding.Repository
	history   finding.HistoryRepository
	reports   report.Repository
	validator *validator.Validator
	logger    *logger.Logger
}

// NewQueryService creates a new query service.
func NewQueryService(
	findings finding.Repository,
	history finding.HistoryRepository,
	reports report.Repository,
	v *validator.Validator,
	log *logger.Logger,
) *QueryService {
	return &QueryService{
		findings:  findings,
		history:   history,
		reports:   reports,
		validator: v,
		logger:    log,
	}
}

// ListFindingsInput represents input for listing live findings.
type ListFindingsInput struct {
	AccountID     string   `validate:"required,uuid"`
	Severities    []string `validate:"dive,severity"`
	Statuses      []string `validate:"dive,finding_status"`
	FixAvailable  string   `validate:"omitempty,fix_available"`
	ResourceType  string   `validate:"max=128"`
	Platform      string   `validate:"max=128"`
	ResourceID    string   `validate:"max=512"`
	Search        string   `validate:"max=255"`
	ObservedAfter *time.Time
	ObservedUntil *time.Time
	Sort          string
	Page          int `validate:"min=0"`
	PerPage       int `validate:"min=0,max=200"`
}

// ListFindings retrieves live findings with filtering, sorting and
// pagination.
func (s *QueryService) ListFindings(ctx context.Context, input ListFindingsInput) (pagination.Result[*finding.Finding], error) {
	start := time.Now()

	if err := s.validator.Validate(input); err != nil {
		return pagination.Result[*finding.Finding]{}, fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}

	accountID, err := shared.IDFromString(input.AccountID)
	if err != nil {
		return pagination.Result[*finding.Finding]{}, fmt.Errorf("%w: invalid account ID", shared.ErrValidation)
	}

	filter := finding.NewFilter().WithAccountID(accountID)
	filter = applyCommonFilters(filter, input)

	opts := finding.ListOptions{
		Sort: pagination.NewSortOption(finding.AllowedSortFields()).Parse(input.Sort),
	}

	result, err := s.findings.List(ctx, filter, opts, pagination.New(input.Page, input.PerPage))
	observeQuery("list_findings", start, err)
	return result, err
}

// ListFixedInput represents input for listing remediated findings.
type ListFixedInput struct {
	AccountID    string   `validate:"required,uuid"`
	Severities   []string `validate:"dive,severity"`
	Statuses     []string `validate:"dive,finding_status"`
	FixAvailable string   `validate:"omitempty,fix_available"`
	ResourceType string   `validate:"max=128"`
	Platform     string   `validate:"max=128"`
	ResourceID   string   `validate:"max=512"`
	Search       string   `validate:"max=255"`
	FixedAfter   *time.Time
	FixedUntil   *time.Time
	Sort         string
	Page         int `validate:"min=0"`
	PerPage      int `validate:"min=0,max=200"`
}

// ListFixedOutput pairs one page of fixed findings with the aggregates of
// the whole filtered set.
type ListFixedOutput struct {
	Result  pagination.Result[finding.FixedEntry] `json:"result"`
	Summary finding.FixedSummary                  `json:"summary"`
}

// ListFixed retrieves remediated findings with filtering and pagination,
// together with summary aggregates over the full filtered set.
func (s *QueryService) ListFixed(ctx context.Context, input ListFixedInput) (*ListFixedOutput, error) {
	start := time.Now()

	if err := s.validator.Validate(input); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}

	accountID, err := shared.IDFromString(input.AccountID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid account ID", shared.ErrValidation)
	}

	filter := s.buildFixedFilter(accountID, input)

	opts := finding.ListOptions{
		Sort: pagination.NewSortOption(finding.FixedAllowedSortFields()).Parse(input.Sort),
	}

	result, err := s.history.ListFixed(ctx, filter, opts, pagination.New(input.Page, input.PerPage))
	if err != nil {
		observeQuery("list_fixed", start, err)
		return nil, err
	}

	summary, err := s.history.SummarizeFixed(ctx, filter)
	observeQuery("list_fixed", start, err)
	if err != nil {
		return nil, err
	}

	return &ListFixedOutput{Result: result, Summary: summary}, nil
}

func (s *QueryService) buildFixedFilter(accountID shared.ID, input ListFixedInput) finding.FixedFilter {
	filter := finding.NewFixedFilter()
	filter.Filter = applyCommonFilters(finding.NewFilter().WithAccountID(accountID), ListFindingsInput{
		Severities:   input.Severities,
		Statuses:     input.Statuses,
		FixAvailable: input.FixAvailable,
		ResourceType: input.ResourceType,
		Platform:     input.Platform,
		ResourceID:   input.ResourceID,
		Search:       input.Search,
	})
	if input.FixedAfter != nil {
		filter.FixedAfter = input.FixedAfter
	}
	if input.FixedUntil != nil {
		filter.FixedUntil = input.FixedUntil
	}
	return filter
}

// applyCommonFilters translates the string-typed filter inputs shared by the
// live and fixed listings into a domain filter.
func applyCommonFilters(filter finding.Filter, input ListFindingsInput) finding.Filter {
	if len(input.Severities) > 0 {
		severities := make([]finding.Severity, 0, len(input.Severities))
		for _, s := range input.Severities {
			if sev, ok := finding.ParseSeverity(s); ok {
				severities = append(severities, sev)
			}
		}
		filter = filter.WithSeverities(severities...)
	}
	if len(input.Statuses) > 0 {
		statuses := make([]finding.Status, 0, len(input.Statuses))
		for _, s := range input.Statuses {
			if st, ok := finding.ParseStatus(s); ok {
				statuses = append(statuses, st)
			}
		}
		filter = filter.WithStatuses(statuses...)
	}
	if input.FixAvailable != "" {
		filter = filter.WithFixAvailable(finding.ParseFixAvailability(input.FixAvailable))
	}
	if input.ResourceType != "" {
		filter = filter.WithResourceType(input.ResourceType)
	}
	if input.Platform != "" {
		filter = filter.WithPlatform(input.Platform)
	}
	if input.ResourceID != "" {
		filter = filter.WithResourceID(input.ResourceID)
	}
	if input.Search != "" {
		filter = filter.WithSearch(input.Search)
	}
	if input.ObservedAfter != nil {
		filter.ObservedAfter = input.ObservedAfter
	}
	if input.ObservedUntil != nil {
		filter.ObservedUntil = input.ObservedUntil
	}
	return filter
}

// GetTimeline retrieves the full history of one correlated finding, most
// recent first, along with its current live status. A finding absent from
// the live snapshot but present in history reports status "fixed".
func (s *QueryService) GetTimeline(ctx context.Context, accountID shared.ID, stableKey string) (*finding.Timeline, error) {
	start := time.Now()

	if accountID.IsZero() {
		return nil, fmt.Errorf("%w: account ID is required", shared.ErrValidation)
	}
	if stableKey == "" {
		return nil, fmt.Errorf("%w: stable key is required", shared.ErrValidation)
	}

	records, err := s.history.ListByStableKey(ctx, accountID, stableKey)
	if err != nil {
		observeQuery("get_timeline", start, err)
		return nil, err
	}

	currentStatus := "fixed"
	live, err := s.findings.GetByStableKey(ctx, accountID, stableKey)
	switch {
	case err == nil:
		currentStatus = string(live.Status())
	case errors.Is(err, finding.ErrNotFound):
		if len(records) == 0 {
			observeQuery("get_timeline", start, finding.ErrNoHistory)
			return nil, fmt.Errorf("%w: %s", finding.ErrNoHistory, stableKey)
		}
	default:
		observeQuery("get_timeline", start, err)
		return nil, err
	}

	observeQuery("get_timeline", start, nil)
	return &finding.Timeline{
		StableKey:     stableKey,
		CurrentStatus: currentStatus,
		History:       records,
	}, nil
}

// GetTimelinesByVulnerability retrieves the histories of every correlated
// finding that shares a vulnerability identifier. One CVE commonly hits
// several resources, so the result is one timeline per stable key.
func (s *QueryService) GetTimelinesByVulnerability(ctx context.Context, accountID shared.ID, vulnerabilityID string) ([]*finding.Timeline, error) {
	start := time.Now()

	if accountID.IsZero() {
		return nil, fmt.Errorf("%w: account ID is required", shared.ErrValidation)
	}
	if vulnerabilityID == "" {
		return nil, fmt.Errorf("%w: vulnerability ID is required", shared.ErrValidation)
	}

	records, err := s.history.ListByVulnerabilityID(ctx, accountID, vulnerabilityID)
	if err != nil {
		observeQuery("get_timeline", start, err)
		return nil, err
	}
	if len(records) == 0 {
		observeQuery("get_timeline", start, finding.ErrNoHistory)
		return nil, fmt.Errorf("%w: %s", finding.ErrNoHistory, vulnerabilityID)
	}

	byKey := make(map[string][]*finding.HistoryRecord)
	var order []string
	for _, rec := range records {
		if _, ok := byKey[rec.StableKey()]; !ok {
			order = append(order, rec.StableKey())
		}
		byKey[rec.StableKey()] = append(byKey[rec.StableKey()], rec)
	}

	timelines := make([]*finding.Timeline, 0, len(order))
	for _, key := range order {
		currentStatus := "fixed"
		live, err := s.findings.GetByStableKey(ctx, accountID, key)
		switch {
		case err == nil:
			currentStatus = string(live.Status())
		case errors.Is(err, finding.ErrNotFound):
		default:
			observeQuery("get_timeline", start, err)
			return nil, err
		}
		timelines = append(timelines, &finding.Timeline{
			StableKey:     key,
			CurrentStatus: currentStatus,
			History:       byKey[key],
		})
	}

	observeQuery("get_timeline", start, nil)
	return timelines, nil
}

// GetReport retrieves a single ingested report by ID.
func (s *QueryService) GetReport(ctx context.Context, id shared.ID) (*report.Report, error) {
	return s.reports.GetByID(ctx, id)
}

// ListReports retrieves the most recently ingested reports for an account.
func (s *QueryService) ListReports(ctx context.Context, accountID shared.ID, limit int) ([]*report.Report, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.reports.ListByAccount(ctx, accountID, limit)
}

func observeQuery(queryType string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.QueriesTotal.WithLabelValues(queryType, status).Inc()
	metrics.QueryDuration.WithLabelValues(queryType).Observe(time.Since(start).Seconds())
}
