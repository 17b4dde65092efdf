package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"book-search-agent/internal/domain"
	"book-search-agent/internal/usecase"
)

// request is the inbound payload from the chat UI.
type request struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Response is the Lambda proxy response shape.
type Response struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

type searchService interface {
	Search(ctx context.Context, in usecase.SearchInput) (domain.Reply, error)
}

// Handler decodes the inbound search request and encodes exactly one reply
// variant. All pipeline behavior lives in the usecase layer.
type Handler struct {
	service searchService
}

func NewHandler(service searchService) (*Handler, error) {
	if service == nil {
		return nil, errors.New("handler: service must not be nil")
	}
	return &Handler{service: service}, nil
}

func (h *Handler) Handle(ctx context.Context, raw json.RawMessage) (Response, error) {
	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		return jsonResponse(http.StatusBadRequest, errorBody{Error: "malformed request body"}), nil
	}

	reply, err := h.service.Search(ctx, usecase.SearchInput{
		SessionID: req.SessionID,
		Query:     req.Query,
	})
	if err != nil {
		var ucErr *usecase.Error
		if errors.As(err, &ucErr) && ucErr.Code == usecase.ErrorInvalidInput {
			return jsonResponse(http.StatusBadRequest, errorBody{Error: ucErr.Reason}), nil
		}
		slog.Error("search request failed", "err", err)
		return jsonResponse(http.StatusInternalServerError, errorBody{Error: "internal error"}), nil
	}

	return jsonResponse(http.StatusOK, reply), nil
}

func jsonResponse(status int, body any) Response {
	raw, err := json.Marshal(body)
	if err != nil {
		return Response{
			StatusCode: http.StatusInternalServerError,
			Headers:    map[string]string{"content-type": "application/json"},
			Body:       `{"error":"internal error"}`,
		}
	}
	return Response{
		StatusCode: status,
		Headers:    map[string]string{"content-type": "application/json"},
		Body:       string(raw),
	}
}
