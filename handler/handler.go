package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"policy-renewal-agent/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

// TurnRunner processes one conversational turn.
type TurnRunner interface {
	Run(ctx context.Context, in usecase.TurnInput) (usecase.TurnOutput, error)
}

type turnRequest struct {
	SessionID string       `json:"sessionId"`
	Text      string       `json:"text"`
	Options   *turnOptions `json:"options,omitempty"`
}

type turnOptions struct {
	PolicyNumber string `json:"policyNumber"`
	BirthYear    string `json:"birthYear"`
}

type turnResponse struct {
	SessionID string   `json:"sessionId"`
	Outcome   string   `json:"outcome"`
	Messages  []string `json:"messages"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Outcome   string `json:"outcome"`
	SessionID string `json:"sessionId,omitempty"`
}

// Handler adapts API Gateway proxy events to the renewal flow.
type Handler struct {
	runner TurnRunner
}

func NewHandler(runner TurnRunner) (*Handler, error) {
	if runner == nil {
		return nil, errors.New("handler: turn runner must not be nil")
	}
	return &Handler{runner: runner}, nil
}

func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(event.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := slog.Default().With("correlation_id", correlationID)

	if event.HTTPMethod != "" && event.HTTPMethod != http.MethodPost {
		return respond(correlationID, http.StatusMethodNotAllowed, errorResponse{
			Error:   string(usecase.ErrorInvalidInput),
			Outcome: "error",
		}), nil
	}

	var req turnRequest
	if err := json.Unmarshal([]byte(event.Body), &req); err != nil {
		logger.Warn("handler: invalid request body", "err", err)
		return respond(correlationID, http.StatusBadRequest, errorResponse{
			Error:   string(usecase.ErrorInvalidInput),
			Outcome: "error",
		}), nil
	}

	in := usecase.TurnInput{SessionID: req.SessionID, Text: req.Text}
	if req.Options != nil {
		in.Options = usecase.EntryOptions{
			PolicyNumber: req.Options.PolicyNumber,
			BirthYear:    req.Options.BirthYear,
		}
	}

	out, err := h.runner.Run(ctx, in)
	if err != nil {
		status, code := mapError(err)
		logger.Error("handler: turn failed", "session_id", out.SessionID, "status", status, "err", err)
		return respond(correlationID, status, errorResponse{
			Error:     code,
			Outcome:   string(out.Outcome),
			SessionID: out.SessionID,
		}), nil
	}

	messages := out.Messages
	if messages == nil {
		messages = []string{}
	}
	return respond(correlationID, http.StatusOK, turnResponse{
		SessionID: out.SessionID,
		Outcome:   string(out.Outcome),
		Messages:  messages,
	}), nil
}

func mapError(err error) (int, string) {
	var uerr *usecase.Error
	if !errors.As(err, &uerr) {
		return http.StatusInternalServerError, string(usecase.ErrorInternal)
	}
	switch uerr.Code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, string(uerr.Code)
	default:
		return http.StatusInternalServerError, string(usecase.ErrorInternal)
	}
}

func respond(correlationID string, status int, body any) events.APIGatewayProxyResponse {
	buf, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		buf = []byte(`{"error":"INTERNAL_ERROR","outcome":"error"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(buf),
	}
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
