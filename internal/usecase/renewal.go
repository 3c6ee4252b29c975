package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"policy-renewal-agent/internal/domain"
)

const (
	promptPolicyNumber = "Please enter your policy number."
	promptBirthYear    = "Please enter your birth year."
	renewalDateFormat  = "Your policy renewal date is %s."
	defaultMaxTextLen  = 300
)

// StateReadWriter is the session storage consumed by the renewal flow.
// Implementations are not expected to serialize turns; callers must not run
// two turns of the same session concurrently.
type StateReadWriter interface {
	LoadState(ctx context.Context, sessionID string) (domain.ConversationState, bool, error)
	SaveState(ctx context.Context, state domain.ConversationState) error
	SaveTurn(ctx context.Context, state domain.ConversationState, turn domain.Turn) error
}

// EntryOptions seed a session that has no stored state yet.
type EntryOptions struct {
	PolicyNumber string
	BirthYear    string
}

type TurnInput struct {
	SessionID string
	Text      string
	Options   EntryOptions
}

type TurnOutput struct {
	SessionID   string
	Outcome     domain.Outcome
	Messages    []string
	RenewalDate string
}

// turn carries one resumption cycle: the loaded state, the raw input that
// answers the suspended prompt (if any) and the replies produced so far.
type turn struct {
	state       domain.ConversationState
	input       string
	messages    []string
	renewalDate string
}

func (t *turn) say(msg string) {
	t.messages = append(t.messages, msg)
}

type resumeFunc func(t *turn) bool

// RenewalService collects a policy number and birth year over several turns
// and then looks up the policy renewal date.
type RenewalService struct {
	state      StateReadWriter
	jobs       RenewalFetcher
	logger     *slog.Logger
	maxTextLen int
	resume     map[domain.Step]resumeFunc
}

func NewRenewalService(s StateReadWriter, jobs RenewalFetcher, logger *slog.Logger, maxTextLen int) (*RenewalService, error) {
	if s == nil {
		return nil, errors.New("usecase: state store must not be nil")
	}
	if jobs == nil {
		return nil, errors.New("usecase: renewal fetcher must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if maxTextLen <= 0 {
		maxTextLen = defaultMaxTextLen
	}
	svc := &RenewalService{
		state:      s,
		jobs:       jobs,
		logger:     logger,
		maxTextLen: maxTextLen,
	}
	svc.resume = map[domain.Step]resumeFunc{
		domain.StepAwaitingPolicyNumber: func(t *turn) bool {
			return svc.resumeField(t, PolicyNumberValidator, promptPolicyNumber, &t.state.PolicyNumber)
		},
		domain.StepAwaitingBirthYear: func(t *turn) bool {
			return svc.resumeField(t, BirthYearValidator, promptBirthYear, &t.state.BirthYear)
		},
	}
	return svc, nil
}

// Run processes one inbound turn for a session.
func (s *RenewalService) Run(ctx context.Context, in TurnInput) (TurnOutput, error) {
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		sessionID = newUUID()
	}
	out := TurnOutput{SessionID: sessionID, Outcome: domain.OutcomeError}

	t, err := s.initializeState(ctx, sessionID, in.Options)
	if err != nil {
		return out, err
	}
	t.input = in.Text

	outcome, err := s.advance(ctx, t)
	if err != nil {
		return out, err
	}

	record := domain.Turn{
		SessionID: sessionID,
		Text:      truncate(in.Text, s.maxTextLen),
		Reply:     strings.Join(t.messages, "\n"),
		Outcome:   string(outcome),
	}
	// The turn already ran; persist it even if the caller gave up meanwhile.
	if err := s.state.SaveTurn(context.WithoutCancel(ctx), t.state, record); err != nil {
		return out, newError(ErrorInternal, "state_write_error", err)
	}

	out.Outcome = outcome
	out.Messages = t.messages
	out.RenewalDate = t.renewalDate
	return out, nil
}

// initializeState loads the session state, creating and storing an empty
// one, seeded from opts, the first time a session is seen.
func (s *RenewalService) initializeState(ctx context.Context, sessionID string, opts EntryOptions) (*turn, error) {
	state, found, err := s.state.LoadState(ctx, sessionID)
	if err != nil {
		return nil, newError(ErrorInternal, "state_load_error", err)
	}
	if !found {
		state = domain.ConversationState{SessionID: sessionID}
		s.seed(&state, opts)
		if err := s.state.SaveState(ctx, state); err != nil {
			return nil, newError(ErrorInternal, "state_write_error", err)
		}
		s.logger.Info("renewal: created session state", "session_id", sessionID)
	}
	state.SessionID = sessionID
	if state.Awaiting == domain.StepEnded {
		// A finished flow starts over; collected fields are kept.
		state.Awaiting = domain.StepInit
	}
	return &turn{state: state}, nil
}

func (s *RenewalService) seed(state *domain.ConversationState, opts EntryOptions) {
	seeds := []struct {
		v     Validator
		raw   string
		field *string
	}{
		{PolicyNumberValidator, opts.PolicyNumber, &state.PolicyNumber},
		{BirthYearValidator, opts.BirthYear, &state.BirthYear},
	}
	for _, sd := range seeds {
		if strings.TrimSpace(sd.raw) == "" {
			continue
		}
		accepted, err := sd.v.Validate(sd.raw)
		if err != nil {
			s.logger.Info("renewal: ignoring invalid entry option", "session_id", state.SessionID, "field", sd.v.Field)
			continue
		}
		*sd.field = capitalize(accepted)
	}
}

// advance resumes the suspended step, if any, and then walks the remaining
// steps until one suspends or the flow finishes.
func (s *RenewalService) advance(ctx context.Context, t *turn) (domain.Outcome, error) {
	if resume, ok := s.resume[t.state.Awaiting]; ok {
		if !resume(t) {
			return domain.OutcomePromptIssued, nil
		}
	}

	if !t.state.Complete() {
		if !t.state.HasPolicyNumber() {
			return s.suspend(t, domain.StepAwaitingPolicyNumber, promptPolicyNumber), nil
		}
		if !t.state.HasBirthYear() {
			return s.suspend(t, domain.StepAwaitingBirthYear, promptBirthYear), nil
		}
	}
	return s.finalize(ctx, t)
}

func (s *RenewalService) suspend(t *turn, step domain.Step, prompt string) domain.Outcome {
	t.state.Awaiting = step
	t.say(prompt)
	return domain.OutcomePromptIssued
}

// resumeField stores the answer to a suspended prompt. It returns false when
// the answer was rejected and the prompt has been reissued.
func (s *RenewalService) resumeField(t *turn, v Validator, prompt string, field *string) bool {
	if strings.TrimSpace(*field) != "" {
		t.state.Awaiting = domain.StepInit
		return true
	}

	accepted, err := v.WithMaxLength(s.maxTextLen).Validate(t.input)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			s.logger.Info("renewal: input rejected",
				"session_id", t.state.SessionID,
				"field", verr.Field,
				"length", verr.Length,
				"min_length", verr.MinLength,
				"max_length", verr.MaxLength)
			t.say(verr.Message())
		}
		t.say(prompt)
		return false
	}

	if value := capitalize(accepted); strings.TrimSpace(value) != "" {
		*field = value
	}
	t.state.Awaiting = domain.StepInit
	return true
}

// finalize runs the job pipeline and reports the renewal date. Pipeline
// failures never reach the caller; they surface as an empty date.
func (s *RenewalService) finalize(ctx context.Context, t *turn) (domain.Outcome, error) {
	t.state.Awaiting = domain.StepFinalizing
	if err := s.state.SaveState(ctx, t.state); err != nil {
		return domain.OutcomeError, newError(ErrorInternal, "state_write_error", err)
	}

	t.renewalDate = s.renewalDate(ctx, t.state.SessionID, t.state.PolicyNumber)
	t.say(fmt.Sprintf(renewalDateFormat, t.renewalDate))
	t.state.Awaiting = domain.StepEnded
	return domain.OutcomeCompleted, nil
}

var newUUID = func() string {
	return uuid.NewString()
}
