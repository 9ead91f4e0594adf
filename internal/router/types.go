package router

// Update is the protocol's webhook envelope. Exactly one of the payload
// fields is set per event.
type Update struct {
	ID               int64             `json:"update_id"`
	Message          *Message          `json:"message,omitempty"`
	CallbackQuery    *CallbackQuery    `json:"callback_query,omitempty"`
	PreCheckoutQuery *PreCheckoutQuery `json:"pre_checkout_query,omitempty"`
	ChatJoinRequest  *ChatJoinRequest  `json:"chat_join_request,omitempty"`
}

// User is the sender of an event.
type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	Username  string `json:"username,omitempty"`
}

// Chat identifies the conversation an event arrived in.
type Chat struct {
	ID int64 `json:"id"`
}

// Message is a plain chat message, possibly carrying a completed payment.
type Message struct {
	From             *User             `json:"from,omitempty"`
	Chat             Chat              `json:"chat"`
	Text             string            `json:"text,omitempty"`
	CompletedPayment *CompletedPayment `json:"successful_payment,omitempty"`
}

// CallbackQuery is a button press on an inline keyboard.
type CallbackQuery struct {
	ID   string `json:"id"`
	From *User  `json:"from"`
	Data string `json:"data"`
}

// PreCheckoutQuery is the provider's last-chance check before charging.
// The payload is the token the invoice was issued with.
type PreCheckoutQuery struct {
	ID       string `json:"id"`
	From     *User  `json:"from"`
	Payload  string `json:"invoice_payload"`
	Amount   int64  `json:"total_amount"`
	Currency string `json:"currency"`
}

// CompletedPayment is the provider's notice that money moved. The charge
// reference is the idempotency key for confirmation.
type CompletedPayment struct {
	Payload  string `json:"invoice_payload"`
	Amount   int64  `json:"total_amount"`
	Currency string `json:"currency"`
	ChargeID string `json:"provider_payment_charge_id"`
}

// ChatJoinRequest is a user asking to enter a join-approval resource.
type ChatJoinRequest struct {
	From *User `json:"from"`
	Chat Chat  `json:"chat"`
}

// Sender returns whoever triggered the update, if anyone identifiable.
func (u *Update) Sender() *User {
	switch {
	case u.Message != nil:
		return u.Message.From
	case u.CallbackQuery != nil:
		return u.CallbackQuery.From
	case u.PreCheckoutQuery != nil:
		return u.PreCheckoutQuery.From
	case u.ChatJoinRequest != nil:
		return u.ChatJoinRequest.From
	}
	return nil
}
