package paysocket

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solenko/gatewall/internal/botapi"
	"github.com/solenko/gatewall/internal/catalog"
	"github.com/solenko/gatewall/internal/ledger"
	"github.com/solenko/gatewall/internal/tenant"
)

type sentMessage struct {
	chatID  int64
	text    string
	buttons [][]botapi.Button
}

type sentAnswer struct {
	queryID string
	ok      bool
	reason  string
}

// fakeClient records outbound protocol calls.
type fakeClient struct {
	mu       sync.Mutex
	messages []sentMessage
	invoices []botapi.Invoice
	answers  []sentAnswer
}

func (f *fakeClient) SendMessage(_ context.Context, chatID int64, text string, buttons [][]botapi.Button) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, sentMessage{chatID, text, buttons})
	return nil
}

func (f *fakeClient) SendInvoice(_ context.Context, chatID int64, inv botapi.Invoice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoices = append(f.invoices, inv)
	return nil
}

func (f *fakeClient) AnswerPreCheckout(_ context.Context, queryID string, ok bool, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, sentAnswer{queryID, ok, reason})
	return nil
}

func (f *fakeClient) ApproveJoinRequest(context.Context, int64, int64) error { return nil }
func (f *fakeClient) CreateInviteLink(context.Context, int64, string, bool) (string, error) {
	return "https://t.example/+link", nil
}
func (f *fakeClient) KickMember(context.Context, int64, int64) error { return nil }
func (f *fakeClient) Refund(context.Context, int64, string) error    { return nil }

func (f *fakeClient) lastAnswer(t *testing.T) sentAnswer {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.answers) > 0 {
			a := f.answers[len(f.answers)-1]
			f.mu.Unlock()
			return a
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no pre-checkout answer sent")
	return sentAnswer{}
}

type fixture struct {
	ledger  *ledger.Service
	catalog *catalog.MemoryStore
	clients *botapi.Registry
	client  *fakeClient
	tenant  *tenant.Tenant
	user    *catalog.EndUser
	plan    *catalog.Plan
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client := &fakeClient{}
	registry := botapi.NewRegistry(func(string) (botapi.Client, error) { return client, nil })

	cat := catalog.NewMemoryStore()
	tn := tenant.New(9000, "cred-ref", []string{MethodManual, MethodMicropayment})
	user := catalog.NewEndUser(tn.ID, 555, "Ada", "ada")
	plan := catalog.NewPlan(tn.ID, "Monthly", 30, catalog.Price{Amount: 500, Unit: "stars"}, nil)
	require.NoError(t, cat.CreatePlan(context.Background(), plan))

	return &fixture{
		ledger:  ledger.NewService(ledger.NewMemoryStore(), cat),
		catalog: cat,
		clients: registry,
		client:  client,
		tenant:  tn,
		user:    user,
		plan:    plan,
	}
}

func (f *fixture) open(t *testing.T, method string) *ledger.PendingRequest {
	t.Helper()
	pr, _, err := f.ledger.Open(context.Background(), f.tenant.ID, f.user.ID, f.plan.ID, method)
	require.NoError(t, err)
	return pr
}

func TestManualInitiatePromptsOwner(t *testing.T) {
	f := newFixture(t)
	sock := NewManualSocket(f.ledger, f.clients)
	ctx := context.Background()

	pr := f.open(t, MethodManual)
	require.NoError(t, sock.Initiate(ctx, f.tenant, f.user, f.plan, pr))

	require.NotEmpty(t, f.client.messages)
	owner := f.client.messages[0]
	assert.Equal(t, f.tenant.OwnerID, owner.chatID)
	require.Len(t, owner.buttons, 1)
	assert.Equal(t, "approve:"+pr.ID, owner.buttons[0][0].Data)
	assert.Equal(t, "reject:"+pr.ID, owner.buttons[0][1].Data)

	got, err := f.ledger.Pending(ctx, pr.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.PendingAwaitingConfirmation, got.Status)
}

func TestManualConfirmRequiresOwner(t *testing.T) {
	f := newFixture(t)
	sock := NewManualSocket(f.ledger, f.clients)
	ctx := context.Background()

	pr := f.open(t, MethodManual)
	require.NoError(t, sock.Initiate(ctx, f.tenant, f.user, f.plan, pr))

	_, _, err := sock.Confirm(ctx, f.tenant, pr, Proof{ActorID: 12345})
	assert.ErrorIs(t, err, ErrNotAuthorized)

	sub, activated, err := sock.Confirm(ctx, f.tenant, pr, Proof{ActorID: f.tenant.OwnerID})
	require.NoError(t, err)
	assert.True(t, activated)
	assert.Equal(t, ledger.StatusActive, sub.Status)
}

func TestManualReject(t *testing.T) {
	f := newFixture(t)
	sock := NewManualSocket(f.ledger, f.clients)
	ctx := context.Background()

	pr := f.open(t, MethodManual)
	require.NoError(t, sock.Initiate(ctx, f.tenant, f.user, f.plan, pr))

	_, err := sock.Reject(ctx, f.tenant, pr, 12345)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	got, err := sock.Reject(ctx, f.tenant, pr, f.tenant.OwnerID)
	require.NoError(t, err)
	assert.Equal(t, ledger.PendingResolved, got.Status)
	assert.Equal(t, ledger.ResolutionRejected, got.Resolution)
}

func TestMicropayInitiateSendsInvoiceWithToken(t *testing.T) {
	f := newFixture(t)
	sock := NewMicropaySocket(f.ledger, f.catalog, f.clients, 5*time.Second)
	ctx := context.Background()

	pr := f.open(t, MethodMicropayment)
	require.NoError(t, sock.Initiate(ctx, f.tenant, f.user, f.plan, pr))

	require.Len(t, f.client.invoices, 1)
	inv := f.client.invoices[0]
	assert.Equal(t, pr.Token, inv.Payload)
	assert.Equal(t, f.plan.Price.Amount, inv.Amount)
	assert.Equal(t, f.plan.Price.Unit, inv.Unit)
}

func TestPreCheckoutApprovesOpenRequest(t *testing.T) {
	f := newFixture(t)
	sock := NewMicropaySocket(f.ledger, f.catalog, f.clients, 5*time.Second)
	ctx := context.Background()

	pr := f.open(t, MethodMicropayment)
	require.NoError(t, sock.Initiate(ctx, f.tenant, f.user, f.plan, pr))

	sock.PreCheckout(ctx, f.tenant, "q1", pr.Token)
	a := f.client.lastAnswer(t)
	assert.Equal(t, "q1", a.queryID)
	assert.True(t, a.ok)
}

func TestPreCheckoutDeniesClosedRequest(t *testing.T) {
	f := newFixture(t)
	sock := NewMicropaySocket(f.ledger, f.catalog, f.clients, 5*time.Second)
	ctx := context.Background()

	pr := f.open(t, MethodMicropayment)
	require.NoError(t, sock.Initiate(ctx, f.tenant, f.user, f.plan, pr))
	_, _, err := sock.Confirm(ctx, f.tenant, pr, Proof{TxRef: "charge_1", Amount: 500, Unit: "stars"})
	require.NoError(t, err)

	sock.PreCheckout(ctx, f.tenant, "q2", pr.Token)
	a := f.client.lastAnswer(t)
	assert.False(t, a.ok)
	assert.NotEmpty(t, a.reason)

	// a token that never existed is also denied
	sock.PreCheckout(ctx, f.tenant, "q3", "bogus-token")
}

func TestPreCheckoutDeniesUnlistedPlan(t *testing.T) {
	f := newFixture(t)
	sock := NewMicropaySocket(f.ledger, f.catalog, f.clients, 5*time.Second)
	ctx := context.Background()

	pr := f.open(t, MethodMicropayment)
	require.NoError(t, sock.Initiate(ctx, f.tenant, f.user, f.plan, pr))

	f.plan.Visibility = catalog.VisibilityUnlisted
	require.NoError(t, f.catalog.UpdatePlan(ctx, f.plan))

	sock.PreCheckout(ctx, f.tenant, "q1", pr.Token)
	a := f.client.lastAnswer(t)
	assert.False(t, a.ok, "a plan retired after the invoice must not be purchasable")
	assert.NotEmpty(t, a.reason)
}

func TestPreCheckoutDeniesBeforeInvoiceSent(t *testing.T) {
	f := newFixture(t)
	sock := NewMicropaySocket(f.ledger, f.catalog, f.clients, 5*time.Second)
	ctx := context.Background()

	pr := f.open(t, MethodMicropayment)

	sock.PreCheckout(ctx, f.tenant, "q1", pr.Token)
	a := f.client.lastAnswer(t)
	assert.False(t, a.ok, "a request still awaiting action has no invoice to check out")
}

func TestPreCheckoutDeniesSuspendedTenant(t *testing.T) {
	f := newFixture(t)
	sock := NewMicropaySocket(f.ledger, f.catalog, f.clients, 5*time.Second)
	ctx := context.Background()

	pr := f.open(t, MethodMicropayment)
	require.NoError(t, sock.Initiate(ctx, f.tenant, f.user, f.plan, pr))
	f.tenant.Status = tenant.StatusSuspended

	sock.PreCheckout(ctx, f.tenant, "q1", pr.Token)
	a := f.client.lastAnswer(t)
	assert.False(t, a.ok)
}

func TestMicropayConfirmReplay(t *testing.T) {
	f := newFixture(t)
	sock := NewMicropaySocket(f.ledger, f.catalog, f.clients, 5*time.Second)
	ctx := context.Background()

	pr := f.open(t, MethodMicropayment)
	require.NoError(t, sock.Initiate(ctx, f.tenant, f.user, f.plan, pr))

	first, activated, err := sock.Confirm(ctx, f.tenant, pr, Proof{TxRef: "charge_1", Amount: 500, Unit: "stars"})
	require.NoError(t, err)
	assert.True(t, activated)

	second, activated, err := sock.Confirm(ctx, f.tenant, pr, Proof{TxRef: "charge_1", Amount: 500, Unit: "stars"})
	require.NoError(t, err)
	assert.False(t, activated)
	assert.Equal(t, first.ID, second.ID)
}

func TestCheckPlanRejectsUnlisted(t *testing.T) {
	plan := catalog.NewPlan("ten_1", "Retired", 30, catalog.Price{Amount: 500, Unit: "stars"}, nil)
	require.NoError(t, CheckPlan(plan))

	plan.Visibility = catalog.VisibilityUnlisted
	assert.ErrorIs(t, CheckPlan(plan), ErrPlanNotPublic)
}

func TestDispatcherEnforcesMethodAllowList(t *testing.T) {
	f := newFixture(t)
	manual := NewManualSocket(f.ledger, f.clients)
	micro := NewMicropaySocket(f.ledger, f.catalog, f.clients, 5*time.Second)
	d := NewDispatcher(manual, micro)

	s, err := d.Socket(f.tenant, MethodManual)
	require.NoError(t, err)
	assert.Equal(t, MethodManual, s.Method())

	_, err = d.Socket(f.tenant, MethodGateway)
	assert.ErrorIs(t, err, ErrUnknownMethod)

	restricted := tenant.New(1, "cred", []string{MethodManual})
	_, err = d.Socket(restricted, MethodMicropayment)
	assert.ErrorIs(t, err, ErrMethodDisabled)

	assert.Equal(t, []string{MethodManual, MethodMicropayment}, d.Methods(f.tenant))
	assert.Equal(t, []string{MethodManual}, d.Methods(restricted))
}
