package model

import (
	"context"
	"errors"
	"slices"
	"strings"
)

// SystemActor is the actor id recorded for service-initiated events.
const SystemActor = "system"

// ErrNoSubject is returned by Validate for a caller without an employee id.
var ErrNoSubject = errors.New("request context has no subject")

// RequestContext is the caller of one API call as asserted by the identity
// provider. SubjectID is an employee id and is what the engine compares with
// requester and approver ids. Treat it as read-only once built.
type RequestContext struct {
	SubjectID     string
	Email         string
	Roles         []string
	RoleLevel     int
	Claims        map[string]any
	CorrelationID string
	TraceID       string
}

// SystemContext is the caller for actions the service takes on its own
// behalf, such as recording an archival completion.
func SystemContext() *RequestContext {
	return &RequestContext{SubjectID: SystemActor, Roles: []string{SystemActor}}
}

// Validate rejects a caller whose subject is empty or blank.
func (rc *RequestContext) Validate() error {
	if strings.TrimSpace(rc.SubjectID) == "" {
		return ErrNoSubject
	}
	return nil
}

func (rc *RequestContext) HasRole(role string) bool {
	return slices.Contains(rc.Roles, role)
}

type requestContextKey struct{}

func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rctx)
}

// RequestContextFrom returns the caller stored in ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rctx
}
