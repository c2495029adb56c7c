package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/campus-gatepass-api/internal/dto"
	"github.com/noah-isme/campus-gatepass-api/internal/models"
	appErrors "github.com/noah-isme/campus-gatepass-api/pkg/errors"
)

type dashboardPassRepository interface {
	CountByStatus(ctx context.Context, studentID, mentorID, department string) (map[models.PassStatus]int, error)
	GateActivitySince(ctx context.Context, since time.Time) (int, int, int, error)
	List(ctx context.Context, filter models.PassFilter) ([]models.GatePassDetail, int, error)
}

// DashboardServiceConfig tunes dashboard behaviour.
type DashboardServiceConfig struct {
	CacheTTL    time.Duration
	RecentLimit int
}

// DashboardService composes the per-role dashboard payloads. Results are
// cached briefly; a cached response may trail the live state by the TTL.
type DashboardService struct {
	passes dashboardPassRepository
	cache  *CacheService
	logger *zap.Logger
	now    func() time.Time
	cfg    DashboardServiceConfig
}

// NewDashboardService constructs a DashboardService with sane defaults.
func NewDashboardService(passes dashboardPassRepository, cache *CacheService, logger *zap.Logger, cfg DashboardServiceConfig) *DashboardService {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 2 * time.Minute
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DashboardService{passes: passes, cache: cache, logger: logger, now: time.Now, cfg: cfg}
}

// ForClaims routes to the dashboard matching the caller's role.
func (s *DashboardService) ForClaims(ctx context.Context, claims *models.JWTClaims) (interface{}, bool, error) {
	if claims == nil {
		return nil, false, appErrors.ErrUnauthorized
	}
	switch claims.Role {
	case models.RoleStudent:
		return s.Student(ctx, claims.UserID)
	case models.RoleMentor:
		return s.Mentor(ctx, claims.UserID)
	case models.RoleHOD:
		return s.HOD(ctx, claims.Department)
	case models.RoleSecurity, models.RoleAdmin:
		return s.Security(ctx)
	}
	return nil, false, appErrors.Clone(appErrors.ErrForbidden, "no dashboard for this role")
}

// Student returns the student's pass summary and indicates cache use.
func (s *DashboardService) Student(ctx context.Context, studentID string) (*dto.StudentDashboardResponse, bool, error) {
	if studentID == "" {
		return nil, false, appErrors.Clone(appErrors.ErrValidation, "studentId is required")
	}
	cacheKey := fmt.Sprintf("dash:student:%s", studentID)
	var cached dto.StudentDashboardResponse
	if hit := s.tryCache(ctx, cacheKey, &cached); hit {
		return &cached, true, nil
	}

	counts, err := s.passes.CountByStatus(ctx, studentID, "", "")
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count passes")
	}

	summary := &dto.StudentDashboardResponse{Counts: dto.FromStatusMap(counts)}

	recent, _, err := s.passes.List(ctx, models.PassFilter{StudentID: studentID, Page: 1, PageSize: s.cfg.RecentLimit, SortBy: "created_at", SortOrder: "DESC"})
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list recent passes")
	}
	summary.RecentPasses = recent
	for i := range recent {
		if recent[i].Status == models.PassStatusActive {
			summary.ActivePass = &recent[i]
			break
		}
	}

	s.persistCache(ctx, cacheKey, summary)
	return summary, false, nil
}

// Mentor returns the approval workload for a mentor.
func (s *DashboardService) Mentor(ctx context.Context, mentorID string) (*dto.MentorDashboardResponse, bool, error) {
	if mentorID == "" {
		return nil, false, appErrors.Clone(appErrors.ErrValidation, "mentorId is required")
	}
	cacheKey := fmt.Sprintf("dash:mentor:%s", mentorID)
	var cached dto.MentorDashboardResponse
	if hit := s.tryCache(ctx, cacheKey, &cached); hit {
		return &cached, true, nil
	}

	counts, err := s.passes.CountByStatus(ctx, "", mentorID, "")
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count passes")
	}
	queue, _, err := s.passes.List(ctx, models.PassFilter{MentorID: mentorID, Status: models.PassStatusPending, Page: 1, PageSize: s.cfg.RecentLimit, SortBy: "departure_time", SortOrder: "ASC"})
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list approval queue")
	}

	summary := &dto.MentorDashboardResponse{
		PendingApprovals: counts[models.PassStatusPending],
		Counts:           dto.FromStatusMap(counts),
		Queue:            queue,
	}
	s.persistCache(ctx, cacheKey, summary)
	return summary, false, nil
}

// HOD returns the department-wide approval workload.
func (s *DashboardService) HOD(ctx context.Context, department string) (*dto.HODDashboardResponse, bool, error) {
	if department == "" {
		return nil, false, appErrors.Clone(appErrors.ErrValidation, "department is required")
	}
	cacheKey := fmt.Sprintf("dash:hod:%s", department)
	var cached dto.HODDashboardResponse
	if hit := s.tryCache(ctx, cacheKey, &cached); hit {
		return &cached, true, nil
	}

	counts, err := s.passes.CountByStatus(ctx, "", "", department)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count passes")
	}
	queue, _, err := s.passes.List(ctx, models.PassFilter{Department: department, Status: models.PassStatusMentorApproved, Page: 1, PageSize: s.cfg.RecentLimit, SortBy: "departure_time", SortOrder: "ASC"})
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list approval queue")
	}

	summary := &dto.HODDashboardResponse{
		AwaitingApproval: counts[models.PassStatusMentorApproved],
		Counts:           dto.FromStatusMap(counts),
		Queue:            queue,
	}
	s.persistCache(ctx, cacheKey, summary)
	return summary, false, nil
}

// Security returns today's gate activity and who is currently out.
func (s *DashboardService) Security(ctx context.Context) (*dto.SecurityDashboardResponse, bool, error) {
	cacheKey := "dash:security"
	var cached dto.SecurityDashboardResponse
	if hit := s.tryCache(ctx, cacheKey, &cached); hit {
		return &cached, true, nil
	}

	now := s.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	checkouts, checkins, late, err := s.passes.GateActivitySince(ctx, midnight)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load gate activity")
	}

	out, total, err := s.passes.List(ctx, models.PassFilter{Status: models.PassStatusActive, Page: 1, PageSize: 50, SortBy: "departure_time", SortOrder: "ASC"})
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list active passes")
	}

	summary := &dto.SecurityDashboardResponse{
		CurrentlyOut:     total,
		TodayCheckouts:   checkouts,
		TodayCheckins:    checkins,
		TodayLateReturns: late,
		OutPasses:        out,
	}
	s.persistCache(ctx, cacheKey, summary)
	return summary, false, nil
}

func (s *DashboardService) tryCache(ctx context.Context, key string, dest interface{}) bool {
	if s.cache == nil {
		return false
	}
	hit, err := s.cache.Get(ctx, key, dest)
	if err != nil {
		s.logger.Warn("dashboard cache read failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return hit
}

func (s *DashboardService) persistCache(ctx context.Context, key string, value interface{}) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, key, value, s.cfg.CacheTTL); err != nil {
		s.logger.Warn("dashboard cache write failed", zap.String("key", key), zap.Error(err))
	}
}
