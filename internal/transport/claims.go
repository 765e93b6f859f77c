package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/pitabwire/hrflow/internal/observability"
	"github.com/pitabwire/hrflow/model"
)

type claimsKey struct{}

// WithClaims stores verified token claims in ctx.
func WithClaims(ctx context.Context, claims map[string]any) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFrom returns the verified token claims, or nil.
func ClaimsFrom(ctx context.Context) map[string]any {
	claims, _ := ctx.Value(claimsKey{}).(map[string]any)
	return claims
}

// claimMapper knows where the identity provider puts each caller field.
type claimMapper struct {
	subject string
	email   string
	roles   string
	level   string
}

func newClaimMapper(paths map[string]string) claimMapper {
	pick := func(field string) string {
		if p := paths[field]; p != "" {
			return p
		}
		if field == "subject_id" {
			return "sub"
		}
		return field
	}
	return claimMapper{
		subject: pick("subject_id"),
		email:   pick("email"),
		roles:   pick("roles"),
		level:   pick("role_level"),
	}
}

func (m claimMapper) requestContext(ctx context.Context, claims map[string]any) *model.RequestContext {
	return &model.RequestContext{
		SubjectID:     claimString(claims, m.subject),
		Email:         claimString(claims, m.email),
		Roles:         claimStringSlice(claims, m.roles),
		RoleLevel:     claimInt(claims, m.level),
		Claims:        claims,
		CorrelationID: CorrelationIDFrom(ctx),
		TraceID:       observability.TraceIDFromContext(ctx),
	}
}

// BuildRequestContextMiddleware turns verified claims into the caller's
// model.RequestContext. claimPaths maps subject_id, email, roles and
// role_level to claim names; "realm_access.roles" walks nested objects.
// Tokens without a subject are refused with 401.
func BuildRequestContextMiddleware(claimPaths map[string]string) func(http.Handler) http.Handler {
	mapper := newClaimMapper(claimPaths)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rctx := mapper.requestContext(r.Context(), ClaimsFrom(r.Context()))
			if rctx.Validate() != nil {
				WriteError(w, model.NewUnauthorizedError("Token has no subject"))
				return
			}
			next.ServeHTTP(w, r.WithContext(model.WithRequestContext(r.Context(), rctx)))
		})
	}
}

// lookupClaim resolves path against claims. A literal key wins over a
// dotted walk, so a claim named "a.b" is still reachable.
func lookupClaim(claims map[string]any, path string) (any, bool) {
	if v, ok := claims[path]; ok {
		return v, true
	}
	cur := claims
	for {
		head, rest, nested := strings.Cut(path, ".")
		v, ok := cur[head]
		if !ok {
			return nil, false
		}
		if !nested {
			return v, true
		}
		if cur, ok = v.(map[string]any); !ok {
			return nil, false
		}
		path = rest
	}
}

func claimString(claims map[string]any, path string) string {
	v, _ := lookupClaim(claims, path)
	s, _ := v.(string)
	return s
}

// claimStringSlice accepts a JSON array or a space separated string, the
// two shapes providers use for role lists.
func claimStringSlice(claims map[string]any, path string) []string {
	v, _ := lookupClaim(claims, path)
	switch raw := v.(type) {
	case []string:
		return raw
	case []any:
		out := make([]string, 0, len(raw))
		for _, item := range raw {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.Fields(raw)
	default:
		return nil
	}
}

func claimInt(claims map[string]any, path string) int {
	v, _ := lookupClaim(claims, path)
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}
