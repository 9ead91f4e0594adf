// Package botapi wraps the bot protocol API used to talk to end users and
// gated chats. Every call is keyed by a tenant's credential reference; the
// raw credential is resolved at the registry boundary and never logged.
package botapi

import (
	"context"
	"errors"
)

// Errors
var (
	ErrUnreachable   = errors.New("botapi: resource unreachable")
	ErrAlreadyMember = errors.New("botapi: user already a member")
	ErrNotMember     = errors.New("botapi: user not a member")
	ErrBadRequest    = errors.New("botapi: bad request")
)

// Button is an inline keyboard button carried on outbound messages.
type Button struct {
	Text string `json:"text"`
	Data string `json:"callback_data"`
}

// Invoice describes a native micropayment checkout prompt.
// Payload round-trips opaquely through the protocol and comes back on the
// pre-checkout query and the completed-payment notice.
type Invoice struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Payload     string `json:"payload"`
	Amount      int64  `json:"amount"`
	Unit        string `json:"currency"`
}

// Client is the protocol collaborator. Implementations are assumed
// best-effort idempotent; callers must tolerate ErrAlreadyMember and
// ErrNotMember as success.
type Client interface {
	SendMessage(ctx context.Context, chatID int64, text string, buttons [][]Button) error
	SendInvoice(ctx context.Context, chatID int64, inv Invoice) error
	AnswerPreCheckout(ctx context.Context, queryID string, ok bool, reason string) error
	ApproveJoinRequest(ctx context.Context, chatID, userID int64) error
	CreateInviteLink(ctx context.Context, chatID int64, name string, joinRequest bool) (string, error)
	KickMember(ctx context.Context, chatID, userID int64) error
	Refund(ctx context.Context, userID int64, txRef string) error
}
