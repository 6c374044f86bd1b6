// Package pipeline is the Policy Pipeline (spec.md §4.5, C5): the
// ordered, short-circuit-on-reject request filters that run ahead of
// load balancing and proxying, adapted from the chained
// gin.HandlerFunc middleware stack in
// services/api-gateway/internal/middleware.
package pipeline

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/Mir00r/gateway-mesh/internal/auth"
	"github.com/Mir00r/gateway-mesh/internal/authz"
	"github.com/Mir00r/gateway-mesh/internal/gatewayerr"
	"github.com/Mir00r/gateway-mesh/internal/gatewaytypes"
	"github.com/Mir00r/gateway-mesh/internal/idgen"
	"github.com/Mir00r/gateway-mesh/internal/obslog"
	"github.com/Mir00r/gateway-mesh/internal/ratelimit"
	"github.com/Mir00r/gateway-mesh/internal/schema"
)

// Auditor receives one event per pipeline stage decision. Satisfied
// structurally by *internal/audit.Publisher; a nil Auditor is valid and
// simply means no audit trail is recorded.
type Auditor interface {
	Emit(gatewaytypes.AuditEvent)
}

// MTLSConfig configures the optional mTLS check (stage 3).
type MTLSConfig struct {
	Enabled bool
	Header  string
	Value   string
}

// Config bundles the pipeline's cross-cutting policy configuration —
// everything that applies regardless of which service a request targets.
type Config struct {
	Bypass       []string
	MTLS         MTLSConfig
	AuthEnabled  bool
	Authz        authz.Policy
	MaxBodyBytes int64
	DefaultRateLimit ratelimit.Config
	DefaultRateLimitKeyStrategy string
}

// Pipeline runs the ordered filter stages for one request.
type Pipeline struct {
	cfg       Config
	authStore *auth.Store
	limiter   ratelimit.Store
	ids       idgen.Generator
	log       obslog.Sink
	auditor   Auditor
}

// New builds a Pipeline. auditor may be nil.
func New(cfg Config, authStore *auth.Store, limiter ratelimit.Store, ids idgen.Generator, log obslog.Sink, auditor Auditor) *Pipeline {
	return &Pipeline{cfg: cfg, authStore: authStore, limiter: limiter, ids: ids, log: log, auditor: auditor}
}

// Input is everything the pipeline needs from the inbound HTTP request,
// decoupled from any specific web framework.
type Input struct {
	Method        string
	Path          string
	RemoteIP      string
	UserAgent     string
	BearerToken   string // "" if Authorization header absent or not Bearer
	APIKey        string // value of X-API-Key, "" if absent
	ContentLength int64
	Body          map[string]interface{} // decoded JSON body, nil if absent/not JSON
	ContentType   string                 // raw Content-Type header, "" if absent
	MTLSHeader    string                 // value of the configured trusted-client-cert header
}

// ServiceTarget is the per-service policy a request is being evaluated
// against, sourced from the service's registered ServiceConfig.
type ServiceTarget struct {
	Name          string
	RequiredRoles []string
	Schema        *gatewaytypes.Schema
	RateLimit     gatewaytypes.RateLimitConfig
}

// RateLimitHeaders carries the rate-limit values of an admitted request;
// the HTTP layer sets them as X-RateLimit-* headers on that response. On a
// rate-limit rejection Orchestrator.Resolve returns only the error, which
// carries the delay as details["retry_after_seconds"]; no X-RateLimit-*
// or Retry-After header is written for rejected requests.
type RateLimitHeaders struct {
	Limit      int
	Remaining  int
	ResetUnix  int64
	RetryAfter int // seconds, set only on reject
}

// Result is the pipeline's verdict: either ctx is populated and err is
// nil (admit), or err is populated (reject) and the caller must not
// proceed to load balancing / proxying.
type Result struct {
	Context   gatewaytypes.RequestContext
	RateLimit RateLimitHeaders
	Bypassed  bool
}

// Run executes stages 1-8 in spec order, short-circuiting on the first
// rejection.
func (p *Pipeline) Run(in Input, target ServiceTarget) (Result, *gatewayerr.Error) {
	requestID := p.ids.RequestID()
	now := time.Now()

	result := Result{Context: gatewaytypes.RequestContext{
		RequestID:   requestID,
		ArrivalMono: now,
		ServiceName: target.Name,
	}}

	p.audit(requestID, "request-metadata", "accept", "")

	result.Bypassed = p.isBypassed(in.Path)
	if result.Bypassed {
		p.audit(requestID, "bypass", "accept", in.Path)
	} else {
		if err := p.checkMTLS(requestID, in); err != nil {
			return result, err
		}

		principal, err := p.authenticate(requestID, in)
		if err != nil {
			return result, err
		}
		result.Context.Principal = principal

		if err := p.authorize(requestID, target, principal); err != nil {
			return result, err
		}

		if err := p.validateSchema(requestID, target, in); err != nil {
			return result, err
		}

		rlHeaders, err := p.checkRateLimit(requestID, target, in, principal)
		if err != nil {
			return result, err
		}
		result.RateLimit = rlHeaders
	}

	// Stage 8 (body limit) applies even on bypass paths: spec.md §4.5's
	// bypass stage only skips stages 3-7.
	if err := p.checkBodySize(requestID, in); err != nil {
		return result, err
	}

	return result, nil
}

func (p *Pipeline) isBypassed(path string) bool {
	for _, prefix := range p.cfg.Bypass {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

func (p *Pipeline) checkMTLS(requestID string, in Input) *gatewayerr.Error {
	if !p.cfg.MTLS.Enabled {
		return nil
	}
	if in.MTLSHeader != p.cfg.MTLS.Value {
		p.audit(requestID, "mtls", "reject", "trusted client certificate header missing or mismatched")
		return gatewayerr.New(gatewayerr.Unauthenticated, "client certificate not trusted").WithRequestID(requestID)
	}
	p.audit(requestID, "mtls", "accept", "")
	return nil
}

func (p *Pipeline) authenticate(requestID string, in Input) (*gatewaytypes.Principal, *gatewayerr.Error) {
	if !p.cfg.AuthEnabled {
		p.audit(requestID, "authentication", "accept", "disabled")
		return nil, nil
	}

	if in.BearerToken != "" {
		principal, verr := p.authStore.VerifyToken(in.BearerToken)
		if verr == nil {
			p.audit(requestID, "authentication", "accept", "bearer")
			return principal, nil
		}
	}
	if in.APIKey != "" {
		principal, verr := p.authStore.VerifyAPIKey(in.APIKey)
		if verr == nil {
			p.audit(requestID, "authentication", "accept", "api_key")
			return principal, nil
		}
	}

	p.audit(requestID, "authentication", "reject", "no valid credential")
	return nil, gatewayerr.New(gatewayerr.Unauthenticated, "missing or invalid credentials").WithRequestID(requestID)
}

func (p *Pipeline) authorize(requestID string, target ServiceTarget, principal *gatewaytypes.Principal) *gatewayerr.Error {
	role := ""
	if principal != nil {
		role = principal.Role
	}

	if !authz.Allowed(target.RequiredRoles, role) {
		p.audit(requestID, "authorization", "reject", "role not permitted")
		return gatewayerr.New(gatewayerr.Forbidden, "role not permitted for this service").WithRequestID(requestID)
	}

	if len(p.cfg.Authz.RolePermissions) > 0 && !p.cfg.Authz.Permits(role, target.Name, "access") {
		p.audit(requestID, "authorization", "reject", "no matching permission")
		return gatewayerr.New(gatewayerr.Forbidden, "role lacks permission for this service").WithRequestID(requestID)
	}

	p.audit(requestID, "authorization", "accept", role)
	return nil
}

func (p *Pipeline) validateSchema(requestID string, target ServiceTarget, in Input) *gatewayerr.Error {
	if target.Schema == nil {
		return nil
	}
	if in.ContentType != "" && !strings.HasPrefix(in.ContentType, "application/json") {
		p.audit(requestID, "schema", "reject", "content type "+in.ContentType+" is not application/json")
		return gatewayerr.New(gatewayerr.UnsupportedMedia, "request content type must be application/json").WithRequestID(requestID)
	}
	if in.Body == nil {
		p.audit(requestID, "schema", "reject", "body required but absent or not JSON")
		return gatewayerr.New(gatewayerr.BadRequest, "request body required").WithRequestID(requestID)
	}

	s := schema.Schema{Required: target.Schema.Required, AdditionalProperties: target.Schema.AdditionalProperties}
	ok, errs := schema.Evaluate(s, in.Body)
	if !ok {
		details := make(map[string]interface{}, len(errs))
		for _, e := range errs {
			details[e.Field] = e.Reason
		}
		p.audit(requestID, "schema", "reject", "shape mismatch")
		return gatewayerr.New(gatewayerr.BadRequest, "request body does not match service schema").
			WithRequestID(requestID).WithDetails(details)
	}
	p.audit(requestID, "schema", "accept", "")
	return nil
}

func (p *Pipeline) checkRateLimit(requestID string, target ServiceTarget, in Input, principal *gatewaytypes.Principal) (RateLimitHeaders, *gatewayerr.Error) {
	rlCfg := target.RateLimit
	keyStrategy := rlCfg.KeyStrategy
	algo := rlCfg.Algorithm
	window := rlCfg.Window
	max := rlCfg.Max
	if algo == "" {
		algo = p.cfg.DefaultRateLimit.Algorithm
		window = p.cfg.DefaultRateLimit.Window
		max = p.cfg.DefaultRateLimit.Max
		keyStrategy = p.cfg.DefaultRateLimitKeyStrategy
	}

	userID := ""
	if principal != nil {
		userID = principal.ID
	}
	key := ratelimit.BuildKey(keyStrategy, target.Name, in.RemoteIP, userID, in.UserAgent)

	res := p.limiter.Allow(context.Background(), key, ratelimit.Config{Algorithm: algo, Window: window, Max: max})
	headers := RateLimitHeaders{Limit: res.Limit, Remaining: res.Remaining, ResetUnix: res.ResetAt.Unix()}

	if !res.Allowed {
		headers.RetryAfter = int(res.RetryAfter.Seconds())
		if headers.RetryAfter < 1 {
			headers.RetryAfter = 1
		}
		p.audit(requestID, "rate-limit", "reject", "bucket exhausted")
		return headers, gatewayerr.New(gatewayerr.TooManyRequests, "rate limit exceeded").
			WithRequestID(requestID).
			WithDetails(map[string]interface{}{"retry_after_seconds": headers.RetryAfter})
	}

	p.audit(requestID, "rate-limit", "accept", "")
	return headers, nil
}

func (p *Pipeline) checkBodySize(requestID string, in Input) *gatewayerr.Error {
	max := p.cfg.MaxBodyBytes
	if max <= 0 {
		max = 10 << 20
	}
	if in.ContentLength > max {
		p.audit(requestID, "body-limit", "reject", "content-length "+strconv.FormatInt(in.ContentLength, 10)+" exceeds "+strconv.FormatInt(max, 10))
		return gatewayerr.New(gatewayerr.BadRequest, "request body exceeds maximum size").WithRequestID(requestID)
	}
	p.audit(requestID, "body-limit", "accept", "")
	return nil
}

func (p *Pipeline) audit(requestID, stage, decision, reason string) {
	if p.auditor == nil {
		return
	}
	p.auditor.Emit(gatewaytypes.AuditEvent{
		Timestamp: time.Now(),
		RequestID: requestID,
		Stage:     stage,
		Decision:  decision,
		Reason:    reason,
	})
}
