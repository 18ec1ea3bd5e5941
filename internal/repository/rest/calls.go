package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"crowdbank-realtime/internal/domain"
	apperrors "crowdbank-realtime/pkg/errors"
)

func callPath(callID domain.ID, action string) string {
	return fmt.Sprintf("/calls/%s/%s/", url.PathEscape(callID.String()), action)
}

// StartCall creates a call on the backend and returns the caller's media credential
func (c *Client) StartCall(ctx context.Context, req domain.StartCallRequest) (*domain.StartCallResponse, error) {
	var resp domain.StartCallResponse
	if err := c.do(ctx, http.MethodPost, "/calls/start/", "calls.start", req, &resp); err != nil {
		return nil, err
	}
	if resp.CallID.IsZero() {
		return nil, apperrors.BackendError(http.StatusBadGateway, "start call response without call_id")
	}
	return &resp, nil
}

// AnswerCall accepts a ringing call and returns a fresh callee credential
func (c *Client) AnswerCall(ctx context.Context, callID domain.ID) (*domain.JoinCredentials, error) {
	var resp domain.JoinCredentials
	if err := c.do(ctx, http.MethodPost, callPath(callID, "answer"), "calls.answer", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RejectCall declines a ringing call
func (c *Client) RejectCall(ctx context.Context, callID domain.ID) error {
	return c.do(ctx, http.MethodPost, callPath(callID, "reject"), "calls.reject", nil, nil)
}

// EndCall ends a call with one of ended, failed, missed or busy
func (c *Client) EndCall(ctx context.Context, callID domain.ID, reason domain.CallStatus) error {
	if !domain.ValidEndReason(reason) {
		return apperrors.ValidationError(fmt.Sprintf("invalid end reason %q", reason))
	}
	return c.do(ctx, http.MethodPost, callPath(callID, "end"), "calls.end", domain.EndCallRequest{Reason: reason}, nil)
}

// ActiveCall returns the caller's in-progress call, or nil when there is none
func (c *Client) ActiveCall(ctx context.Context) (*domain.CallRecord, error) {
	var rec *domain.CallRecord
	if err := c.do(ctx, http.MethodGet, "/calls/active/", "calls.active", nil, &rec); err != nil {
		return nil, err
	}
	if rec == nil || rec.ID.IsZero() {
		return nil, nil
	}
	return rec, nil
}

// CallHistory returns the most recent calls involving the user
func (c *Client) CallHistory(ctx context.Context) ([]domain.CallRecord, error) {
	var records []domain.CallRecord
	if err := c.do(ctx, http.MethodGet, "/calls/history/", "calls.history", nil, &records); err != nil {
		return nil, err
	}
	if records == nil {
		records = []domain.CallRecord{}
	}
	return records, nil
}
