package botapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPClient talks to a bot-protocol HTTP API (Telegram Bot API shape).
type HTTPClient struct {
	base       string
	credential string
	http       *http.Client
}

// NewHTTPClient creates a client for one bot credential.
func NewHTTPClient(base, credential string) *HTTPClient {
	return &HTTPClient{
		base:       strings.TrimRight(base, "/"),
		credential: credential,
		http:       &http.Client{Timeout: 10 * time.Second},
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

func (c *HTTPClient) call(ctx context.Context, method string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("botapi: marshal %s: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.base, c.credential, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var api apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&api); err != nil {
		return fmt.Errorf("%w: %s: decode: %v", ErrUnreachable, method, err)
	}
	if !api.OK {
		return mapAPIError(method, api.Description)
	}
	if out != nil && len(api.Result) > 0 {
		if err := json.Unmarshal(api.Result, out); err != nil {
			return fmt.Errorf("botapi: decode %s result: %w", method, err)
		}
	}
	return nil
}

// mapAPIError translates protocol error descriptions into sentinel errors the
// granter and reconciler treat as idempotent success.
func mapAPIError(method, description string) error {
	d := strings.ToLower(description)
	switch {
	case strings.Contains(d, "already a member"), strings.Contains(d, "user_already_participant"):
		return ErrAlreadyMember
	case strings.Contains(d, "not a member"), strings.Contains(d, "user not found"),
		strings.Contains(d, "participant_id_invalid"):
		return ErrNotMember
	case strings.Contains(d, "bad request"):
		return fmt.Errorf("%w: %s: %s", ErrBadRequest, method, description)
	default:
		return fmt.Errorf("%w: %s: %s", ErrUnreachable, method, description)
	}
}

func (c *HTTPClient) SendMessage(ctx context.Context, chatID int64, text string, buttons [][]Button) error {
	payload := map[string]any{"chat_id": chatID, "text": text}
	if len(buttons) > 0 {
		payload["reply_markup"] = map[string]any{"inline_keyboard": buttons}
	}
	return c.call(ctx, "sendMessage", payload, nil)
}

func (c *HTTPClient) SendInvoice(ctx context.Context, chatID int64, inv Invoice) error {
	payload := map[string]any{
		"chat_id":     chatID,
		"title":       inv.Title,
		"description": inv.Description,
		"payload":     inv.Payload,
		"currency":    inv.Unit,
		"prices":      []map[string]any{{"label": inv.Title, "amount": inv.Amount}},
	}
	return c.call(ctx, "sendInvoice", payload, nil)
}

func (c *HTTPClient) AnswerPreCheckout(ctx context.Context, queryID string, ok bool, reason string) error {
	payload := map[string]any{"pre_checkout_query_id": queryID, "ok": ok}
	if !ok && reason != "" {
		payload["error_message"] = reason
	}
	return c.call(ctx, "answerPreCheckoutQuery", payload, nil)
}

func (c *HTTPClient) ApproveJoinRequest(ctx context.Context, chatID, userID int64) error {
	return c.call(ctx, "approveChatJoinRequest", map[string]any{
		"chat_id": chatID, "user_id": userID,
	}, nil)
}

func (c *HTTPClient) CreateInviteLink(ctx context.Context, chatID int64, name string, joinRequest bool) (string, error) {
	var result struct {
		InviteLink string `json:"invite_link"`
	}
	err := c.call(ctx, "createChatInviteLink", map[string]any{
		"chat_id":              chatID,
		"name":                 name,
		"creates_join_request": joinRequest,
	}, &result)
	if err != nil {
		return "", err
	}
	return result.InviteLink, nil
}

// KickMember removes a user from a chat. Ban-then-unban so the user can
// rejoin with a fresh invite if they subscribe again.
func (c *HTTPClient) KickMember(ctx context.Context, chatID, userID int64) error {
	if err := c.call(ctx, "banChatMember", map[string]any{
		"chat_id": chatID, "user_id": userID,
	}, nil); err != nil {
		return err
	}
	return c.call(ctx, "unbanChatMember", map[string]any{
		"chat_id": chatID, "user_id": userID, "only_if_banned": true,
	}, nil)
}

func (c *HTTPClient) Refund(ctx context.Context, userID int64, txRef string) error {
	return c.call(ctx, "refundStarPayment", map[string]any{
		"user_id": userID, "telegram_payment_charge_id": txRef,
	}, nil)
}

var _ Client = (*HTTPClient)(nil)
