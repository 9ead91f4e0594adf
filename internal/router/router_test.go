package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solenko/gatewall/internal/botapi"
	"github.com/solenko/gatewall/internal/catalog"
	"github.com/solenko/gatewall/internal/granter"
	"github.com/solenko/gatewall/internal/ledger"
	"github.com/solenko/gatewall/internal/paysocket"
	"github.com/solenko/gatewall/internal/tenant"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type outbound struct {
	chatID  int64
	text    string
	buttons [][]botapi.Button
}

type fakeClient struct {
	mu       sync.Mutex
	messages []outbound
	invoices []botapi.Invoice
	approved []int64
}

func (f *fakeClient) SendMessage(_ context.Context, chatID int64, text string, buttons [][]botapi.Button) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, outbound{chatID, text, buttons})
	return nil
}

func (f *fakeClient) SendInvoice(_ context.Context, _ int64, inv botapi.Invoice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoices = append(f.invoices, inv)
	return nil
}

func (f *fakeClient) AnswerPreCheckout(context.Context, string, bool, string) error { return nil }

func (f *fakeClient) ApproveJoinRequest(_ context.Context, chatID, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approved = append(f.approved, chatID)
	return nil
}

func (f *fakeClient) CreateInviteLink(context.Context, int64, string, bool) (string, error) {
	return "https://t.example/+invite", nil
}
func (f *fakeClient) KickMember(context.Context, int64, int64) error { return nil }
func (f *fakeClient) Refund(context.Context, int64, string) error    { return nil }

func (f *fakeClient) messagesTo(chatID int64) []outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []outbound
	for _, m := range f.messages {
		if m.chatID == chatID {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeClient) waitMessageContaining(t *testing.T, chatID int64, substr string) outbound {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, m := range f.messagesTo(chatID) {
			if strings.Contains(m.text, substr) {
				return m
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no message to %d containing %q; got %+v", chatID, substr, f.messagesTo(chatID))
	return outbound{}
}

type fixture struct {
	engine  *gin.Engine
	client  *fakeClient
	tenants tenant.Store
	cat     catalog.Store
	led     *ledger.Service
	tenant  *tenant.Tenant
	plan    *catalog.Plan
	res     *catalog.Resource
}

const (
	ownerID = int64(9000)
	aliceID = int64(555)
)

func newFixture(t *testing.T, methods ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	if len(methods) == 0 {
		methods = []string{paysocket.MethodManual, paysocket.MethodMicropayment}
	}

	client := &fakeClient{}
	registry := botapi.NewRegistry(func(string) (botapi.Client, error) { return client, nil })

	tenants := tenant.NewMemoryStore()
	tn := tenant.New(ownerID, "cred", methods)
	require.NoError(t, tenants.Create(ctx, tn))

	cat := catalog.NewMemoryStore()
	res := catalog.NewResource(tn.ID, -100, "VIP", catalog.AccessInviteLink, "")
	require.NoError(t, cat.CreateResource(ctx, res))
	plan := catalog.NewPlan(tn.ID, "Monthly", 30, catalog.Price{Amount: 500, Unit: "stars"}, []string{res.ID})
	require.NoError(t, cat.CreatePlan(ctx, plan))

	led := ledger.NewService(ledger.NewMemoryStore(), cat)
	manual := paysocket.NewManualSocket(led, registry)
	micro := paysocket.NewMicropaySocket(led, cat, registry, 5*time.Second)
	g := granter.New(registry, cat, 1)

	svc := NewService(Deps{
		Tenants:    tenants,
		Catalog:    cat,
		Ledger:     led,
		Dispatcher: paysocket.NewDispatcher(manual, micro),
		Manual:     manual,
		Micropay:   micro,
		Granter:    g,
		Clients:    registry,
	})

	engine := gin.New()
	svc.RegisterRoutes(engine)

	return &fixture{
		engine:  engine,
		client:  client,
		tenants: tenants,
		cat:     cat,
		led:     led,
		tenant:  tn,
		plan:    plan,
		res:     res,
	}
}

func (f *fixture) post(t *testing.T, secret string, upd Update) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(upd)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/hook/"+secret, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	f.engine.ServeHTTP(w, req)
	return w
}

func msgUpdate(from int64, text string) Update {
	return Update{Message: &Message{From: &User{ID: from, FirstName: "Ada", Username: "ada"}, Chat: Chat{ID: from}, Text: text}}
}

func cbUpdate(from int64, data string) Update {
	return Update{CallbackQuery: &CallbackQuery{ID: "cb1", From: &User{ID: from, FirstName: "Ada"}, Data: data}}
}

func TestUnknownSecretLooksLikeMissingRoute(t *testing.T) {
	f := newFixture(t)

	hook := f.post(t, "nonexistent-secret", msgUpdate(aliceID, "/start"))
	assert.Equal(t, http.StatusNotFound, hook.Code)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/no/such/path", nil)
	f.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, w.Body.String(), hook.Body.String(), "wrong secret and wrong path must be indistinguishable")
	assert.NotContains(t, hook.Body.String(), f.tenant.Secret)
}

func TestSuspendedTenantAckedAndDropped(t *testing.T) {
	f := newFixture(t)
	f.tenant.Status = tenant.StatusSuspended
	require.NoError(t, f.tenants.Update(context.Background(), f.tenant))

	w := f.post(t, f.tenant.Secret, msgUpdate(aliceID, "/start"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, f.client.messages, "suspended tenant events must not be dispatched")
}

func TestSecretsIsolateTenants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other := tenant.New(7777, "cred-other", []string{paysocket.MethodManual})
	require.NoError(t, f.tenants.Create(ctx, other))

	// a plan callback through the other tenant's secret cannot reach f's plan
	w := f.post(t, other.Secret, cbUpdate(aliceID, "plan:"+f.plan.ID))
	assert.Equal(t, http.StatusOK, w.Code)
	m := f.client.waitMessageContaining(t, aliceID, "no longer available")
	assert.NotEmpty(t, m.text)
}

func TestClassify(t *testing.T) {
	tn := tenant.New(ownerID, "cred", nil)

	pre := Update{PreCheckoutQuery: &PreCheckoutQuery{ID: "q", From: &User{ID: ownerID}}}
	assert.Equal(t, RolePaymentCallback, Classify(tn, &pre), "payment callbacks win even from the owner")

	paid := Update{Message: &Message{From: &User{ID: aliceID}, CompletedPayment: &CompletedPayment{ChargeID: "c"}}}
	assert.Equal(t, RolePaymentCallback, Classify(tn, &paid))

	admin := msgUpdate(ownerID, "/start")
	assert.Equal(t, RoleTenantAdmin, Classify(tn, &admin))

	user := msgUpdate(aliceID, "/start")
	assert.Equal(t, RoleEndUser, Classify(tn, &user))
}

func TestSubscribeListsOnlyPublicPlans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	hidden := catalog.NewPlan(f.tenant.ID, "Secret tier", 30, catalog.Price{Amount: 1, Unit: "stars"}, nil)
	hidden.Visibility = catalog.VisibilityUnlisted
	require.NoError(t, f.cat.CreatePlan(ctx, hidden))

	f.post(t, f.tenant.Secret, msgUpdate(aliceID, "/subscribe"))
	m := f.client.waitMessageContaining(t, aliceID, "Choose a plan")
	require.Len(t, m.buttons, 1)
	assert.Contains(t, m.buttons[0][0].Text, "Monthly")
}

func TestUnlistedPlanRefusesNewPurchases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	retired := catalog.NewPlan(f.tenant.ID, "Retired tier", 30, catalog.Price{Amount: 1, Unit: "stars"}, nil)
	retired.Visibility = catalog.VisibilityUnlisted
	require.NoError(t, f.cat.CreatePlan(ctx, retired))

	// a stale keyboard callback still carries the plan id
	f.post(t, f.tenant.Secret, cbUpdate(aliceID, "plan:"+retired.ID+":"+paysocket.MethodManual))
	f.client.waitMessageContaining(t, aliceID, "not open for new purchases")

	// no purchase attempt was opened, so the owner saw nothing
	assert.Empty(t, f.client.messagesTo(ownerID))
}

func TestBlockedUserGetsNoService(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	blocked := catalog.NewEndUser(f.tenant.ID, aliceID, "Ada", "ada")
	blocked.Blocked = true
	_, err := f.cat.UpsertEndUser(ctx, blocked)
	require.NoError(t, err)

	w := f.post(t, f.tenant.Secret, msgUpdate(aliceID, "/subscribe"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, f.client.messagesTo(aliceID))

	f.post(t, f.tenant.Secret, cbUpdate(aliceID, "plan:"+f.plan.ID+":"+paysocket.MethodManual))
	assert.Empty(t, f.client.messagesTo(aliceID))
	assert.Empty(t, f.client.messagesTo(ownerID), "no purchase attempt reaches the owner")
}

func TestManualApprovalFlow(t *testing.T) {
	f := newFixture(t)

	// user picks the plan with the manual method
	f.post(t, f.tenant.Secret, cbUpdate(aliceID, "plan:"+f.plan.ID+":"+paysocket.MethodManual))

	// owner is prompted
	prompt := f.client.waitMessageContaining(t, ownerID, "requested")
	require.Len(t, prompt.buttons, 1)
	approveData := prompt.buttons[0][0].Data
	require.True(t, strings.HasPrefix(approveData, "approve:"))

	// owner approves
	f.post(t, f.tenant.Secret, cbUpdate(ownerID, approveData))

	// user gets access with an invite link, owner gets a receipt
	granted := f.client.waitMessageContaining(t, aliceID, "access")
	assert.Contains(t, granted.text, "https://t.example/+invite")
	f.client.waitMessageContaining(t, ownerID, "Approved")

	// the ledger holds one active subscription
	user, err := f.cat.GetEndUserByExternalID(context.Background(), f.tenant.ID, aliceID)
	require.NoError(t, err)
	sub, err := f.led.Active(context.Background(), f.tenant.ID, user.ID, f.plan.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusActive, sub.Status)
}

func TestStrangerCannotApprove(t *testing.T) {
	f := newFixture(t)

	f.post(t, f.tenant.Secret, cbUpdate(aliceID, "plan:"+f.plan.ID+":"+paysocket.MethodManual))
	prompt := f.client.waitMessageContaining(t, ownerID, "requested")
	approveData := prompt.buttons[0][0].Data

	// a non-owner replaying the callback data is refused
	f.post(t, f.tenant.Secret, cbUpdate(4444, approveData))

	user, err := f.cat.GetEndUserByExternalID(context.Background(), f.tenant.ID, aliceID)
	require.NoError(t, err)
	_, err = f.led.Active(context.Background(), f.tenant.ID, user.ID, f.plan.ID)
	assert.ErrorIs(t, err, ledger.ErrSubscriptionNotFound)
}

func TestMicropaymentFlow(t *testing.T) {
	f := newFixture(t)

	f.post(t, f.tenant.Secret, cbUpdate(aliceID, "plan:"+f.plan.ID+":"+paysocket.MethodMicropayment))

	assert.Eventually(t, func() bool {
		f.client.mu.Lock()
		defer f.client.mu.Unlock()
		return len(f.client.invoices) == 1
	}, time.Second, 10*time.Millisecond)
	f.client.mu.Lock()
	token := f.client.invoices[0].Payload
	f.client.mu.Unlock()

	// provider reports the completed payment
	paid := Update{Message: &Message{
		From: &User{ID: aliceID, FirstName: "Ada"},
		Chat: Chat{ID: aliceID},
		CompletedPayment: &CompletedPayment{
			Payload: token, Amount: 500, Currency: "stars", ChargeID: "charge_1",
		},
	}}
	w := f.post(t, f.tenant.Secret, paid)
	assert.Equal(t, http.StatusOK, w.Code)

	granted := f.client.waitMessageContaining(t, aliceID, "access")
	assert.Contains(t, granted.text, "https://t.example/+invite")

	// redelivery of the same notice does not grant twice
	before := len(f.client.messagesTo(aliceID))
	f.post(t, f.tenant.Secret, paid)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, len(f.client.messagesTo(aliceID)))
}

func TestJoinRequestApprovedOnlyWithAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	joinRes := catalog.NewResource(f.tenant.ID, -200, "Channel", catalog.AccessJoinApproval, "")
	require.NoError(t, f.cat.CreateResource(ctx, joinRes))
	joinPlan := catalog.NewPlan(f.tenant.ID, "Channel pass", 30, catalog.Price{Amount: 100, Unit: "stars"}, []string{joinRes.ID})
	require.NoError(t, f.cat.CreatePlan(ctx, joinPlan))

	join := Update{ChatJoinRequest: &ChatJoinRequest{From: &User{ID: aliceID, FirstName: "Ada"}, Chat: Chat{ID: -200}}}

	// without a subscription the request is ignored
	f.post(t, f.tenant.Secret, join)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.client.approved)

	// buy the plan
	user, err := f.cat.UpsertEndUser(ctx, catalog.NewEndUser(f.tenant.ID, aliceID, "Ada", "ada"))
	require.NoError(t, err)
	pr, _, err := f.led.Open(ctx, f.tenant.ID, user.ID, joinPlan.ID, paysocket.MethodManual)
	require.NoError(t, err)
	_, _, err = f.led.Resolve(ctx, pr.ID, "", 100, "stars")
	require.NoError(t, err)

	f.post(t, f.tenant.Secret, join)
	assert.Eventually(t, func() bool {
		f.client.mu.Lock()
		defer f.client.mu.Unlock()
		return len(f.client.approved) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestMalformedUpdateAcked(t *testing.T) {
	f := newFixture(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/hook/"+f.tenant.Secret, strings.NewReader("{not json"))
	f.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStatusCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.post(t, f.tenant.Secret, msgUpdate(aliceID, "/status"))
	f.client.waitMessageContaining(t, aliceID, "no active subscriptions")

	user, err := f.cat.GetEndUserByExternalID(ctx, f.tenant.ID, aliceID)
	require.NoError(t, err)
	pr, _, err := f.led.Open(ctx, f.tenant.ID, user.ID, f.plan.ID, paysocket.MethodManual)
	require.NoError(t, err)
	_, _, err = f.led.Resolve(ctx, pr.ID, "", 500, "stars")
	require.NoError(t, err)

	f.post(t, f.tenant.Secret, msgUpdate(aliceID, "/status"))
	m := f.client.waitMessageContaining(t, aliceID, "active until")
	assert.Contains(t, m.text, "Monthly")
}

func TestDoubleInitiateKeepsOneRequest(t *testing.T) {
	f := newFixture(t)

	data := "plan:" + f.plan.ID + ":" + paysocket.MethodManual
	f.post(t, f.tenant.Secret, cbUpdate(aliceID, data))
	f.client.waitMessageContaining(t, ownerID, "requested")

	f.post(t, f.tenant.Secret, cbUpdate(aliceID, data))
	f.client.waitMessageContaining(t, aliceID, "already in progress")

	// still exactly one owner prompt
	prompts := 0
	for _, m := range f.client.messagesTo(ownerID) {
		if strings.Contains(m.text, "requested") {
			prompts++
		}
	}
	assert.Equal(t, 1, prompts)
}

func TestEndUserScopedPerTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other := tenant.New(7777, "cred-other", []string{paysocket.MethodManual})
	require.NoError(t, f.tenants.Create(ctx, other))

	f.post(t, f.tenant.Secret, msgUpdate(aliceID, "/start"))
	f.post(t, other.Secret, msgUpdate(aliceID, "/start"))

	a, err := f.cat.GetEndUserByExternalID(ctx, f.tenant.ID, aliceID)
	require.NoError(t, err)
	b, err := f.cat.GetEndUserByExternalID(ctx, other.ID, aliceID)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID, fmt.Sprintf("same person under two tenants must be two records (%s, %s)", a.ID, b.ID))
}
