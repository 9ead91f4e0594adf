// Package granter turns subscriptions into actual access and takes it back.
// Both directions are idempotent: granting to someone who already has access
// and revoking from someone already gone are successes, because the desired
// end state holds either way.
package granter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/solenko/gatewall/internal/botapi"
	"github.com/solenko/gatewall/internal/catalog"
	"github.com/solenko/gatewall/internal/logging"
	"github.com/solenko/gatewall/internal/metrics"
	"github.com/solenko/gatewall/internal/retry"
	"github.com/solenko/gatewall/internal/tenant"
)

// ErrNoAccess reports a join request from a user without a covering
// subscription.
var ErrNoAccess = errors.New("granter: no active subscription covers this resource")

// Result is the outcome of granting or revoking one resource. A per-resource
// failure never aborts the other resources of the same plan.
type Result struct {
	ResourceID string
	ChatID     int64
	Link       string
	Err        error
}

// Succeeded reports whether every result in the batch came back clean.
func Succeeded(results []Result) bool {
	for _, r := range results {
		if r.Err != nil {
			return false
		}
	}
	return true
}

// Granter grants and revokes resource access through the protocol API.
type Granter struct {
	clients     *botapi.Registry
	catalog     catalog.Store
	maxAttempts int
	baseDelay   time.Duration
}

// New creates a granter. maxAttempts bounds the retries for each resource.
func New(clients *botapi.Registry, cat catalog.Store, maxAttempts int) *Granter {
	return &Granter{
		clients:     clients,
		catalog:     cat,
		maxAttempts: maxAttempts,
		baseDelay:   500 * time.Millisecond,
	}
}

// Grant produces access to every resource of a plan. Depending on the
// resource's mode this is a fresh single-use invite link, a join-request
// link the router later approves, or the resource's standing link.
func (g *Granter) Grant(ctx context.Context, t *tenant.Tenant, user *catalog.EndUser, plan *catalog.Plan) []Result {
	client, err := g.clients.Client(t.CredentialRef)
	if err != nil {
		return []Result{{Err: err}}
	}

	results := make([]Result, 0, len(plan.ResourceIDs))
	for _, rid := range plan.ResourceIDs {
		results = append(results, g.grantOne(ctx, client, user, rid))
	}
	return results
}

// grantOne performs the access method of a single resource.
func (g *Granter) grantOne(ctx context.Context, client botapi.Client, user *catalog.EndUser, rid string) Result {
	res := Result{ResourceID: rid}
	resource, err := g.catalog.GetResource(ctx, rid)
	if err != nil {
		res.Err = err
		metrics.GrantsTotal.WithLabelValues("error").Inc()
		return res
	}
	res.ChatID = resource.ChatID

	switch resource.Access {
	case catalog.AccessStaticLink:
		res.Link = resource.StaticLink
	case catalog.AccessInviteLink, catalog.AccessJoinApproval:
		joinRequest := resource.Access == catalog.AccessJoinApproval
		err := retry.Do(ctx, g.maxAttempts, g.baseDelay, func() error {
			link, err := client.CreateInviteLink(ctx, resource.ChatID, user.FirstName, joinRequest)
			if errors.Is(err, botapi.ErrBadRequest) {
				return retry.Permanent(err)
			}
			if err != nil {
				return err
			}
			res.Link = link
			return nil
		})
		if err != nil {
			res.Err = fmt.Errorf("create invite link for %s: %w", rid, err)
		}
	default:
		res.Err = fmt.Errorf("unknown access mode %q", resource.Access)
	}

	if res.Err != nil {
		metrics.GrantsTotal.WithLabelValues("error").Inc()
		logging.L(ctx).Error("grant failed for resource",
			"resource_id", rid, "chat_id", resource.ChatID, "error", res.Err)
	} else {
		metrics.GrantsTotal.WithLabelValues("ok").Inc()
	}
	return res
}

// RetryFailed re-attempts only the resources that failed in a previous grant.
// Clean results pass through untouched, so granted resources are never redone.
func (g *Granter) RetryFailed(ctx context.Context, t *tenant.Tenant, user *catalog.EndUser, prev []Result) []Result {
	client, err := g.clients.Client(t.CredentialRef)
	if err != nil {
		return prev
	}

	results := make([]Result, 0, len(prev))
	for _, r := range prev {
		if r.Err == nil {
			results = append(results, r)
			continue
		}
		results = append(results, g.grantOne(ctx, client, user, r.ResourceID))
	}
	return results
}

// ApproveJoin approves a pending join request on a join_approval resource.
// ErrAlreadyMember from the protocol counts as success.
func (g *Granter) ApproveJoin(ctx context.Context, t *tenant.Tenant, chatID, userID int64) error {
	client, err := g.clients.Client(t.CredentialRef)
	if err != nil {
		return err
	}
	err = client.ApproveJoinRequest(ctx, chatID, userID)
	if errors.Is(err, botapi.ErrAlreadyMember) {
		return nil
	}
	return err
}

// Revoke removes the user from every resource of a plan. A user who already
// left counts as revoked. Static-link resources have nothing to take back.
func (g *Granter) Revoke(ctx context.Context, t *tenant.Tenant, user *catalog.EndUser, plan *catalog.Plan) []Result {
	client, err := g.clients.Client(t.CredentialRef)
	if err != nil {
		return []Result{{Err: err}}
	}

	results := make([]Result, 0, len(plan.ResourceIDs))
	for _, rid := range plan.ResourceIDs {
		res := Result{ResourceID: rid}
		resource, err := g.catalog.GetResource(ctx, rid)
		if err != nil {
			res.Err = err
			results = append(results, res)
			metrics.RevocationsTotal.WithLabelValues("error").Inc()
			continue
		}
		res.ChatID = resource.ChatID

		if resource.Access == catalog.AccessStaticLink {
			results = append(results, res)
			metrics.RevocationsTotal.WithLabelValues("ok").Inc()
			continue
		}

		err = retry.Do(ctx, g.maxAttempts, g.baseDelay, func() error {
			err := client.KickMember(ctx, resource.ChatID, user.ExternalID)
			if errors.Is(err, botapi.ErrNotMember) {
				return nil
			}
			if errors.Is(err, botapi.ErrBadRequest) {
				return retry.Permanent(err)
			}
			return err
		})
		if err != nil {
			res.Err = fmt.Errorf("kick from %d: %w", resource.ChatID, err)
			metrics.RevocationsTotal.WithLabelValues("error").Inc()
			logging.L(ctx).Error("revoke failed for resource",
				"resource_id", rid, "chat_id", resource.ChatID, "error", res.Err)
		} else {
			metrics.RevocationsTotal.WithLabelValues("ok").Inc()
		}
		results = append(results, res)
	}
	return results
}
