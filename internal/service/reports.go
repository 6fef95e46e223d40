package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/r2d2a2a/capsula-assist/internal/model"
	"github.com/r2d2a2a/capsula-assist/internal/repository"
	"github.com/r2d2a2a/capsula-assist/internal/schedule"
)

// Stats aggregates completion counts over a date range.
type Stats struct {
	Total     int
	Completed int
	Rate      float64 // percent, one decimal
}

// TaskLine is one task's status inside a daily report.
type TaskLine struct {
	Name      string
	Completed *bool // nil: no answer recorded
}

// DailyReport is the structured payload for one day's report.
type DailyReport struct {
	Date  string
	Stats Stats
	Lines []TaskLine
}

// DayStat is one day's bucket inside a weekly report.
type DayStat struct {
	Date      string
	Total     int
	Completed int
}

// OccurrenceComment is a user note surfaced in weekly reports.
type OccurrenceComment struct {
	Date     string
	TaskName string
	Text     string
}

// WeeklyReport is the structured payload for a week's report.
type WeeklyReport struct {
	Start    string
	End      string
	Stats    Stats
	Days     []DayStat
	Comments []OccurrenceComment
}

// CompletionRate computes completed/total as a percent rounded to one
// decimal, and 0 for an empty range.
func CompletionRate(completed, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(completed)/float64(total)*1000) / 10
}

// ReportService computes completion statistics and assembles report
// payloads. It reads occurrences and only ever writes Report audit rows.
type ReportService struct {
	defs    *repository.DefinitionRepository
	occs    *repository.OccurrenceRepository
	reports *repository.ReportRepository
	outbox  Outbox
	log     *zap.Logger
}

func NewReportService(defs *repository.DefinitionRepository, occs *repository.OccurrenceRepository, reports *repository.ReportRepository, outbox Outbox, log *zap.Logger) *ReportService {
	return &ReportService{defs: defs, occs: occs, reports: reports, outbox: outbox, log: log}
}

// Stats counts occurrences for the user within [start, end].
func (s *ReportService) Stats(ctx context.Context, userID uint, start, end string) (Stats, error) {
	total, completed, err := s.occs.Counts(ctx, userID, start, end)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Total:     int(total),
		Completed: int(completed),
		Rate:      CompletionRate(int(completed), int(total)),
	}, nil
}

// BuildDaily assembles the report for the calendar day of now in the
// user's zone.
func (s *ReportService) BuildDaily(ctx context.Context, user model.User, now time.Time) (DailyReport, error) {
	loc := s.userLocation(user)
	date := now.In(loc).Format(schedule.DateLayout)

	stats, err := s.Stats(ctx, user.ID, date, date)
	if err != nil {
		return DailyReport{}, err
	}

	occs, err := s.occs.ListForDate(ctx, user.ID, date)
	if err != nil {
		return DailyReport{}, err
	}

	report := DailyReport{Date: date, Stats: stats}
	for _, occ := range occs {
		report.Lines = append(report.Lines, TaskLine{
			Name:      s.definitionName(ctx, user.ID, occ.DefinitionID),
			Completed: occ.Completed,
		})
	}
	return report, nil
}

// BuildWeekly assembles the report for the Monday-to-now week of now in
// the user's zone, with a per-day breakdown and collected comments.
func (s *ReportService) BuildWeekly(ctx context.Context, user model.User, now time.Time) (WeeklyReport, error) {
	loc := s.userLocation(user)
	today := now.In(loc)
	weekStart := today.AddDate(0, 0, -model.WeekdayIndex(today.Weekday()))
	start := weekStart.Format(schedule.DateLayout)
	end := today.Format(schedule.DateLayout)

	stats, err := s.Stats(ctx, user.ID, start, end)
	if err != nil {
		return WeeklyReport{}, err
	}

	occs, err := s.occs.ListForPeriod(ctx, user.ID, start, end)
	if err != nil {
		return WeeklyReport{}, err
	}

	report := WeeklyReport{Start: start, End: end, Stats: stats}

	byDate := make(map[string]*DayStat)
	for _, occ := range occs {
		day, ok := byDate[occ.Date]
		if !ok {
			day = &DayStat{Date: occ.Date}
			byDate[occ.Date] = day
		}
		day.Total++
		if occ.Completed != nil && *occ.Completed {
			day.Completed++
		}
		if occ.Comment != "" {
			report.Comments = append(report.Comments, OccurrenceComment{
				Date:     occ.Date,
				TaskName: s.definitionName(ctx, user.ID, occ.DefinitionID),
				Text:     occ.Comment,
			})
		}
	}
	for _, day := range byDate {
		report.Days = append(report.Days, *day)
	}
	sort.Slice(report.Days, func(i, j int) bool { return report.Days[i].Date < report.Days[j].Date })

	return report, nil
}

// SendDaily builds, persists and delivers the daily report.
func (s *ReportService) SendDaily(ctx context.Context, user model.User, now time.Time) error {
	report, err := s.BuildDaily(ctx, user, now)
	if err != nil {
		return fmt.Errorf("build daily report: %w", err)
	}
	s.persist(ctx, user.ID, model.ReportDaily, report.Date, report.Date, report.Stats)
	if err := s.outbox.SendDailyReport(ctx, user, report); err != nil {
		return fmt.Errorf("send daily report: %w", err)
	}
	return nil
}

// SendWeekly builds, persists and delivers the weekly report.
func (s *ReportService) SendWeekly(ctx context.Context, user model.User, now time.Time) error {
	report, err := s.BuildWeekly(ctx, user, now)
	if err != nil {
		return fmt.Errorf("build weekly report: %w", err)
	}
	s.persist(ctx, user.ID, model.ReportWeekly, report.Start, report.End, report.Stats)
	if err := s.outbox.SendWeeklyReport(ctx, user, report); err != nil {
		return fmt.Errorf("send weekly report: %w", err)
	}
	return nil
}

// persist writes the audit row; a failure is logged but does not block the
// user-facing report.
func (s *ReportService) persist(ctx context.Context, userID uint, kind, start, end string, stats Stats) {
	err := s.reports.Save(ctx, &model.Report{
		UserID:         userID,
		Kind:           kind,
		PeriodStart:    start,
		PeriodEnd:      end,
		TotalTasks:     stats.Total,
		CompletedTasks: stats.Completed,
		CompletionRate: stats.Rate,
	})
	if err != nil {
		s.log.Warn("report audit row not saved", zap.Uint("user", userID), zap.Error(err))
	}
}

func (s *ReportService) definitionName(ctx context.Context, userID, defID uint) string {
	def, err := s.defs.FindByID(ctx, userID, defID)
	if err != nil {
		return fmt.Sprintf("задача #%d", defID)
	}
	return def.Name
}

func (s *ReportService) userLocation(user model.User) *time.Location {
	loc, err := schedule.ParseTimezone(user.Timezone)
	if err != nil {
		s.log.Warn("bad user timezone, falling back to UTC",
			zap.Uint("user", user.ID), zap.String("timezone", user.Timezone))
		return time.UTC
	}
	return loc
}
