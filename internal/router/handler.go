// Package router is the single inbound edge of the platform. It resolves
// each webhook event to a tenant by routing secret, classifies the sender's
// role, and dispatches to the purchase flows. Routing itself never touches
// purchase state.
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/solenko/gatewall/internal/botapi"
	"github.com/solenko/gatewall/internal/catalog"
	"github.com/solenko/gatewall/internal/granter"
	"github.com/solenko/gatewall/internal/ledger"
	"github.com/solenko/gatewall/internal/logging"
	"github.com/solenko/gatewall/internal/metrics"
	"github.com/solenko/gatewall/internal/paysocket"
	"github.com/solenko/gatewall/internal/tenant"
	"github.com/solenko/gatewall/internal/traces"
)

// Events receives purchase lifecycle events, fire-and-forget.
type Events interface {
	Emit(event string, data map[string]any)
}

// Deps wires the router to the rest of the platform.
type Deps struct {
	Tenants    tenant.Store
	Catalog    catalog.Store
	Ledger     *ledger.Service
	Dispatcher *paysocket.Dispatcher
	Manual     *paysocket.ManualSocket
	Micropay   *paysocket.MicropaySocket
	Granter    *granter.Granter
	Clients    *botapi.Registry
	Events     Events
}

// Service dispatches inbound webhook events.
type Service struct {
	resolver *Resolver
	deps     Deps
}

// NewService creates the event router.
func NewService(deps Deps) *Service {
	return &Service{resolver: NewResolver(deps.Tenants), deps: deps}
}

// RegisterRoutes installs the webhook endpoint.
func (s *Service) RegisterRoutes(r *gin.Engine) {
	r.POST("/hook/:secret", s.Handle)
	r.NoRoute(NotFound)
}

// NotFound is the generic 404 body. The webhook handler answers unknown
// secrets with exactly this response so a probe cannot tell a wrong secret
// from a wrong path.
func NotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
}

func ack(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Handle processes POST /hook/:secret.
func (s *Service) Handle(c *gin.Context) {
	ctx := c.Request.Context()
	ctx, span := traces.StartSpan(ctx, "router.Handle")
	defer span.End()

	t, err := s.resolver.Resolve(ctx, c.Param("secret"))
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownTenant):
			metrics.EventsDroppedTotal.WithLabelValues("unknown_secret").Inc()
			NotFound(c)
		case errors.Is(err, ErrTenantSuspended):
			metrics.EventsDroppedTotal.WithLabelValues("suspended_tenant").Inc()
			ack(c)
		default:
			logging.L(ctx).Error("secret resolution failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
		return
	}

	ctx = logging.WithTenant(ctx, t.ID)
	span.SetAttributes(traces.Tenant(t.ID))

	var upd Update
	if err := c.ShouldBindJSON(&upd); err != nil {
		metrics.EventsDroppedTotal.WithLabelValues("malformed").Inc()
		logging.L(ctx).Warn("malformed update dropped", "error", err)
		ack(c)
		return
	}

	role := Classify(t, &upd)
	metrics.EventsRoutedTotal.WithLabelValues(string(role)).Inc()

	switch role {
	case RolePaymentCallback:
		s.handlePayment(ctx, t, &upd)
	case RoleTenantAdmin:
		s.handleAdmin(ctx, t, &upd)
	default:
		s.handleEndUser(ctx, t, &upd)
	}
	ack(c)
}

// handlePayment routes provider callbacks: the pre-checkout gate and the
// completed-payment notice.
func (s *Service) handlePayment(ctx context.Context, t *tenant.Tenant, upd *Update) {
	if q := upd.PreCheckoutQuery; q != nil {
		s.deps.Micropay.PreCheckout(ctx, t, q.ID, q.Payload)
		return
	}

	pay := upd.Message.CompletedPayment
	pr, err := s.deps.Ledger.PendingByToken(ctx, pay.Payload)
	if err != nil {
		logging.L(ctx).Warn("completed payment with unknown token dropped",
			"charge_id", pay.ChargeID)
		return
	}
	if pr.TenantID != t.ID {
		logging.L(ctx).Warn("completed payment crossed tenant boundary, dropped",
			"pending_id", pr.ID)
		return
	}

	sub, activated, err := s.deps.Micropay.Confirm(ctx, t, pr, paysocket.Proof{
		TxRef:  pay.ChargeID,
		Amount: pay.Amount,
		Unit:   pay.Currency,
	})
	if err != nil {
		logging.L(ctx).Error("payment confirmation failed",
			"pending_id", pr.ID, "charge_id", pay.ChargeID, "error", err)
		return
	}
	if activated {
		s.grantAndNotify(ctx, t, sub)
	}
}

// handleAdmin processes the tenant owner's approve/reject buttons. Anything
// else from the owner is treated like an end-user interaction so owners can
// walk their own funnel.
func (s *Service) handleAdmin(ctx context.Context, t *tenant.Tenant, upd *Update) {
	cq := upd.CallbackQuery
	if cq == nil || (!strings.HasPrefix(cq.Data, "approve:") && !strings.HasPrefix(cq.Data, "reject:")) {
		s.handleEndUser(ctx, t, upd)
		return
	}

	action, pendingID, _ := strings.Cut(cq.Data, ":")
	pr, err := s.deps.Ledger.Pending(ctx, pendingID)
	if err != nil || pr.TenantID != t.ID {
		logging.L(ctx).Warn("admin action on unknown pending request", "data", cq.Data)
		return
	}

	user, err := s.deps.Catalog.GetEndUser(ctx, pr.EndUserID)
	if err != nil {
		logging.L(ctx).Error("pending request references missing user", "pending_id", pr.ID)
		return
	}
	plan, err := s.deps.Catalog.GetPlan(ctx, pr.PlanID)
	if err != nil {
		logging.L(ctx).Error("pending request references missing plan", "pending_id", pr.ID)
		return
	}

	if action == "reject" {
		if _, err := s.deps.Manual.Reject(ctx, t, pr, cq.From.ID); err != nil {
			logging.L(ctx).Warn("reject refused", "pending_id", pr.ID, "error", err)
			return
		}
		s.tell(ctx, t, cq.From.ID, fmt.Sprintf("Rejected %s's request for %q.", user.FirstName, plan.Name))
		s.tell(ctx, t, user.ExternalID, fmt.Sprintf("Your request for %q was declined.", plan.Name))
		return
	}

	sub, activated, err := s.deps.Manual.Confirm(ctx, t, pr, paysocket.Proof{ActorID: cq.From.ID})
	if err != nil {
		logging.L(ctx).Warn("approval refused", "pending_id", pr.ID, "error", err)
		return
	}
	s.tell(ctx, t, cq.From.ID, fmt.Sprintf("Approved %s's request for %q.", user.FirstName, plan.Name))
	if activated {
		s.grantAndNotify(ctx, t, sub)
	}
}

// handleEndUser processes commands, plan selection and join requests.
func (s *Service) handleEndUser(ctx context.Context, t *tenant.Tenant, upd *Update) {
	switch {
	case upd.ChatJoinRequest != nil:
		s.handleJoinRequest(ctx, t, upd.ChatJoinRequest)
	case upd.CallbackQuery != nil:
		s.handleSelection(ctx, t, upd.CallbackQuery)
	case upd.Message != nil && upd.Message.From != nil:
		s.handleCommand(ctx, t, upd.Message)
	}
}

func (s *Service) handleCommand(ctx context.Context, t *tenant.Tenant, msg *Message) {
	user := s.upsertUser(ctx, t, msg.From)
	if user == nil {
		return
	}

	cmd, _, _ := strings.Cut(msg.Text, " ")
	cmd, _, _ = strings.Cut(cmd, "@")
	switch cmd {
	case "/start", "/subscribe":
		s.sendPlanKeyboard(ctx, t, msg.From.ID)
	case "/status":
		s.sendStatus(ctx, t, user)
	default:
		s.tell(ctx, t, msg.From.ID, "Use /subscribe to see available plans or /status to check your access.")
	}
}

// handleSelection reacts to plan and method buttons. "plan:<id>" asks for a
// payment method, "plan:<id>:<method>" starts the purchase.
func (s *Service) handleSelection(ctx context.Context, t *tenant.Tenant, cq *CallbackQuery) {
	if !strings.HasPrefix(cq.Data, "plan:") {
		return
	}
	parts := strings.Split(cq.Data, ":")
	planID := parts[1]

	plan, err := s.deps.Catalog.GetPlan(ctx, planID)
	if err != nil || plan.TenantID != t.ID {
		s.tell(ctx, t, cq.From.ID, "That plan is no longer available.")
		return
	}

	if len(parts) == 2 {
		s.sendMethodKeyboard(ctx, t, cq.From, plan)
		return
	}
	s.initiate(ctx, t, cq.From, plan, parts[2])
}

func (s *Service) initiate(ctx context.Context, t *tenant.Tenant, from *User, plan *catalog.Plan, method string) {
	user := s.upsertUser(ctx, t, from)
	if user == nil {
		return
	}

	sock, err := s.deps.Dispatcher.Socket(t, method)
	if err != nil {
		s.tell(ctx, t, from.ID, "That payment method is not available here.")
		return
	}

	if err := paysocket.CheckPlan(plan); err != nil {
		s.tell(ctx, t, from.ID, fmt.Sprintf("%q is not open for new purchases.", plan.Name))
		return
	}

	pr, created, err := s.deps.Ledger.Open(ctx, t.ID, user.ID, plan.ID, method)
	switch {
	case errors.Is(err, ledger.ErrActiveExists):
		s.tell(ctx, t, from.ID, fmt.Sprintf("You already have access to %q.", plan.Name))
		return
	case err != nil:
		logging.L(ctx).Error("failed to open purchase", "plan_id", plan.ID, "error", err)
		s.tell(ctx, t, from.ID, "Something went wrong, please try again.")
		return
	}

	if !created {
		s.tell(ctx, t, from.ID, fmt.Sprintf("Your request for %q is already in progress.", plan.Name))
		return
	}

	if s.deps.Events != nil {
		s.deps.Events.Emit("pending_created", map[string]any{
			"pendingId": pr.ID,
			"tenantId":  t.ID,
			"planId":    plan.ID,
			"method":    method,
		})
	}

	if err := sock.Initiate(ctx, t, user, plan, pr); err != nil {
		logging.L(ctx).Error("initiate failed", "pending_id", pr.ID, "method", method, "error", err)
		s.tell(ctx, t, from.ID, "Could not start the payment, please try again.")
	}
}

// handleJoinRequest approves join requests covered by an active
// subscription and ignores the rest.
func (s *Service) handleJoinRequest(ctx context.Context, t *tenant.Tenant, jr *ChatJoinRequest) {
	user, err := s.deps.Catalog.GetEndUserByExternalID(ctx, t.ID, jr.From.ID)
	if err != nil {
		return
	}
	subs, err := s.deps.Ledger.Subscriptions(ctx, t.ID, user.ID)
	if err != nil {
		return
	}
	for _, sub := range subs {
		if sub.Status != ledger.StatusActive {
			continue
		}
		plan, err := s.deps.Catalog.GetPlan(ctx, sub.PlanID)
		if err != nil {
			continue
		}
		for _, rid := range plan.ResourceIDs {
			res, err := s.deps.Catalog.GetResource(ctx, rid)
			if err != nil || res.ChatID != jr.Chat.ID || res.Access != catalog.AccessJoinApproval {
				continue
			}
			if err := s.deps.Granter.ApproveJoin(ctx, t, jr.Chat.ID, jr.From.ID); err != nil {
				logging.L(ctx).Error("join approval failed",
					"chat_id", jr.Chat.ID, "end_user_id", user.ID, "error", err)
			}
			return
		}
	}
}

// grantAndNotify hands out access for a fresh subscription and messages the
// user their links. It runs detached: the webhook response never waits on
// resource calls.
func (s *Service) grantAndNotify(ctx context.Context, t *tenant.Tenant, sub *ledger.Subscription) {
	bg := context.WithoutCancel(ctx)
	go func() {
		gctx, cancel := context.WithTimeout(bg, 60*time.Second)
		defer cancel()

		user, err := s.deps.Catalog.GetEndUser(gctx, sub.EndUserID)
		if err != nil {
			logging.L(gctx).Error("cannot grant, user missing", "subscription_id", sub.ID)
			return
		}
		plan, err := s.deps.Catalog.GetPlan(gctx, sub.PlanID)
		if err != nil {
			logging.L(gctx).Error("cannot grant, plan missing", "subscription_id", sub.ID)
			return
		}

		results := s.deps.Granter.Grant(gctx, t, user, plan)

		var b strings.Builder
		fmt.Fprintf(&b, "Payment received. You now have access to %q", plan.Name)
		if sub.EndAt != nil {
			fmt.Fprintf(&b, " until %s", sub.EndAt.Format("2006-01-02"))
		}
		b.WriteString(".\n")
		for _, r := range results {
			if r.Err != nil {
				b.WriteString("\nOne of your resources is temporarily unavailable; access will follow shortly.")
				continue
			}
			if r.Link != "" {
				fmt.Fprintf(&b, "\n%s", r.Link)
			}
		}
		s.tell(gctx, t, user.ExternalID, b.String())

		if s.deps.Events != nil {
			s.deps.Events.Emit("subscription_activated", map[string]any{
				"subscriptionId": sub.ID,
				"tenantId":       t.ID,
				"planId":         sub.PlanID,
			})
		}
	}()
}

func (s *Service) sendPlanKeyboard(ctx context.Context, t *tenant.Tenant, chatID int64) {
	plans, err := s.deps.Catalog.ListPlans(ctx, t.ID)
	if err != nil {
		logging.L(ctx).Error("cannot list plans", "error", err)
		return
	}
	var rows [][]botapi.Button
	for _, p := range plans {
		if !p.Public() {
			continue
		}
		label := fmt.Sprintf("%s (%d %s)", p.Name, p.Price.Amount, p.Price.Unit)
		rows = append(rows, []botapi.Button{{Text: label, Data: "plan:" + p.ID}})
	}
	if len(rows) == 0 {
		s.tell(ctx, t, chatID, "No plans are available right now.")
		return
	}
	s.send(ctx, t, chatID, "Choose a plan:", rows)
}

func (s *Service) sendMethodKeyboard(ctx context.Context, t *tenant.Tenant, from *User, plan *catalog.Plan) {
	methods := s.deps.Dispatcher.Methods(t)
	if len(methods) == 0 {
		s.tell(ctx, t, from.ID, "No payment methods are available right now.")
		return
	}
	if len(methods) == 1 {
		// nothing to choose; go straight to the purchase
		s.initiate(ctx, t, from, plan, methods[0])
		return
	}
	labels := map[string]string{
		paysocket.MethodManual:       "Request approval",
		paysocket.MethodMicropayment: "Pay in chat",
		paysocket.MethodGateway:      "Pay by card",
	}
	var rows [][]botapi.Button
	for _, m := range methods {
		rows = append(rows, []botapi.Button{{Text: labels[m], Data: "plan:" + plan.ID + ":" + m}})
	}
	s.send(ctx, t, from.ID, fmt.Sprintf("How would you like to pay for %q?", plan.Name), rows)
}

func (s *Service) sendStatus(ctx context.Context, t *tenant.Tenant, user *catalog.EndUser) {
	subs, err := s.deps.Ledger.Subscriptions(ctx, t.ID, user.ID)
	if err != nil {
		logging.L(ctx).Error("cannot list subscriptions", "error", err)
		return
	}
	var lines []string
	for _, sub := range subs {
		if sub.Status != ledger.StatusActive {
			continue
		}
		plan, err := s.deps.Catalog.GetPlan(ctx, sub.PlanID)
		if err != nil {
			continue
		}
		if sub.EndAt == nil {
			lines = append(lines, fmt.Sprintf("%s: lifetime access", plan.Name))
		} else {
			lines = append(lines, fmt.Sprintf("%s: active until %s", plan.Name, sub.EndAt.Format("2006-01-02")))
		}
	}
	if len(lines) == 0 {
		s.tell(ctx, t, user.ExternalID, "You have no active subscriptions. Use /subscribe to get access.")
		return
	}
	s.tell(ctx, t, user.ExternalID, strings.Join(lines, "\n"))
}

// upsertUser records the sender in the catalog and returns nil when the
// event should be dropped: persistence failure, or a user the tenant
// blocked. Callers bail on nil without replying.
func (s *Service) upsertUser(ctx context.Context, t *tenant.Tenant, from *User) *catalog.EndUser {
	user, err := s.deps.Catalog.UpsertEndUser(ctx, catalog.NewEndUser(t.ID, from.ID, from.FirstName, from.Username))
	if err != nil {
		logging.L(ctx).Error("failed to upsert end user", "external_id", from.ID, "error", err)
		return nil
	}
	if user.Blocked {
		logging.L(ctx).Debug("dropping event from blocked user", "user_id", user.ID)
		return nil
	}
	return user
}

func (s *Service) tell(ctx context.Context, t *tenant.Tenant, chatID int64, text string) {
	s.send(ctx, t, chatID, text, nil)
}

func (s *Service) send(ctx context.Context, t *tenant.Tenant, chatID int64, text string, buttons [][]botapi.Button) {
	client, err := s.deps.Clients.Client(t.CredentialRef)
	if err != nil {
		logging.L(ctx).Error("no protocol client", "error", err)
		return
	}
	if err := client.SendMessage(ctx, chatID, text, buttons); err != nil {
		logging.L(ctx).Warn("outbound message failed", "chat_id", chatID, "error", err)
	}
}

// GatewayWebhook returns the handler for signed card-processor callbacks.
// Signature verification happens inside the socket; a verified completed
// checkout activates the subscription and follows the usual grant path.
func (s *Service) GatewayWebhook(g *paysocket.GatewaySocket) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Unable to read payload",
			})
			return
		}

		ctx := c.Request.Context()
		res, err := g.HandleWebhook(ctx, payload, c.GetHeader("Stripe-Signature"), s.deps.Tenants.Get)
		if err != nil {
			logging.L(ctx).Warn("gateway webhook rejected", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_webhook",
				"message": "Webhook rejected",
			})
			return
		}

		if res != nil && res.Activated {
			t, terr := s.deps.Tenants.Get(ctx, res.Pending.TenantID)
			if terr != nil {
				logging.L(ctx).Error("gateway webhook: tenant missing", "tenant_id", res.Pending.TenantID)
			} else {
				s.grantAndNotify(ctx, t, res.Subscription)
			}
		}

		c.JSON(http.StatusOK, gin.H{"received": true})
	}
}
