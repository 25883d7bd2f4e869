package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor/answer"
	"github.com/stemsi/exstem-proctor/internal/proctor/timing"
)

// Load fetches the exam, its questions and the taker's enrollment, then
// places the session in the phase the enrollment implies:
//
//	ONGOING with time left  -> active, answers restored
//	ONGOING with no time    -> results, best-effort submit
//	COMPLETED               -> results
//	anything else           -> setup
//
// Any fetch failure is a load error and leaves the session unloaded.
func (s *Session) Load(ctx context.Context) error {
	s.mu.Lock()
	if s.loaded {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	callCtx, cancel := s.callCtx(ctx)
	exam, err := s.deps.Exams.GetExamByID(callCtx, s.cfg.ExamID)
	cancel()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load exam")
		return s.fail(ErrorLoad, err)
	}

	questions, err := s.fetchQuestions(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load questions")
		return s.fail(ErrorLoad, err)
	}

	callCtx, cancel = s.callCtx(ctx)
	state, err := s.deps.Exams.GetSubmissions(callCtx, s.cfg.ExamID)
	cancel()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load submissions")
		return s.fail(ErrorLoad, err)
	}

	exam.Questions = questions
	exam.TotalQuestions = len(questions)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.exam = &exam
	s.questions = questions
	for i, q := range questions {
		s.byID[q.ID] = i
	}
	s.loaded = true

	if state.EnrollmentID != nil {
		s.enrollment = &model.EnrollmentContext{
			EnrollmentID:      *state.EnrollmentID,
			MonitoringEnabled: exam.MonitoringEnabled,
		}
	}

	var (
		activate     bool
		lateSubmit   bool
		restoredFrom = len(state.Submissions)
	)
	switch {
	case state.EnrollmentStatus == model.EnrollmentOngoing && state.StartedAt != nil:
		startedAt := *state.StartedAt
		s.startedAt = &startedAt
		s.answers = answer.RestoreAll(questions, state.Submissions)

		if timing.RemainingSeconds(exam.DurationMinutes, startedAt, s.clock.Now()) > 0 {
			s.phase = PhaseActive
			activate = true
		} else {
			ended := timing.Deadline(exam.DurationMinutes, startedAt)
			s.endedAt = &ended
			s.phase = PhaseResults
			s.resultsFromLocked(state.Submissions, ReasonTimeUp)
			lateSubmit = true
		}

	case state.EnrollmentStatus == model.EnrollmentCompleted:
		if state.StartedAt != nil {
			startedAt := *state.StartedAt
			s.startedAt = &startedAt
		}
		s.answers = answer.RestoreAll(questions, state.Submissions)
		s.phase = PhaseResults
		s.resultsFromLocked(state.Submissions, "")

	default:
		s.phase = PhaseSetup
	}
	enrollment := s.enrollment
	phase := s.phase
	s.mu.Unlock()

	s.log.Info().
		Str("phase", string(phase)).
		Str("enrollment_status", string(state.EnrollmentStatus)).
		Int("questions", len(questions)).
		Int("submissions", restoredFrom).
		Msg("Session loaded")

	if enrollment != nil {
		s.monitor.SetEnrollment(*enrollment)
		if phase == PhaseActive {
			s.seedCounters(ctx, *enrollment)
		}
	}
	if activate {
		s.activate()
	}
	s.publish()

	if phase == PhaseResults {
		if sum, ok := s.Summary(); ok && s.deps.UI != nil {
			s.deps.UI.Results(sum)
		}
	}
	if lateSubmit {
		s.lateSubmit()
	}
	return nil
}

func (s *Session) resultsFromLocked(subs []model.Submission, reason SubmitReason) {
	sum := summarize(s.questions, subs, s.flagged, s.exam.PassingScore, nil)
	sum.Reason = reason
	sum.Counters = s.monitor.Counters()
	if s.endedAt != nil {
		t := *s.endedAt
		sum.EndedAt = &t
	}
	s.summary = &sum
}

// lateSubmit closes an enrollment whose time ran out while the taker was
// away. Failure is only logged; the backend closes it on its own.
func (s *Session) lateSubmit() {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()

		ctx, cancel := s.callCtx(context.Background())
		defer cancel()
		res, err := s.deps.Exams.SubmitExam(ctx, s.cfg.ExamID)
		if err != nil {
			s.log.Warn().Err(err).Msg("Late submit failed")
			return
		}

		s.mu.Lock()
		var sum Summary
		if s.summary != nil {
			s.summary.Score = res.Score
			if res.Score != nil {
				passed := *res.Score >= s.summary.PassingScore
				s.summary.Passed = &passed
			}
			sum = *s.summary
		}
		s.mu.Unlock()

		s.log.Info().Msg("Late submit completed")
		if s.deps.UI != nil {
			s.deps.UI.Results(sum)
		}
	}()
}

// fetchQuestions aggregates question pages. It stops on an empty page, once
// the reported total is reached or, without a total, once the server reports
// no more pages and the page came back short.
func (s *Session) fetchQuestions(ctx context.Context) ([]model.ExamQuestion, error) {
	size := s.cfg.PageSize
	seen := make(map[uuid.UUID]bool)
	var out []model.ExamQuestion

	for page := 1; page <= s.cfg.MaxQuestionPages; page++ {
		callCtx, cancel := s.callCtx(ctx)
		p, err := s.deps.Exams.GetQuestions(callCtx, s.cfg.ExamID, page, size)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("fetch questions page %d: %w", page, err)
		}

		for _, q := range p.Questions {
			if seen[q.ID] {
				continue
			}
			seen[q.ID] = true
			q.Options = model.AssignOptionIDs(q.Options)
			out = append(out, q)
		}

		switch {
		case len(p.Questions) == 0:
			return out, nil
		case p.Total > 0:
			if len(out) >= p.Total {
				return out, nil
			}
		case !p.HasMore && len(p.Questions) < size:
			return out, nil
		}
	}
	s.log.Warn().Int("pages", s.cfg.MaxQuestionPages).Msg("Question page limit reached")
	return out, nil
}
