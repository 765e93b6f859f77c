package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ==========================================================================
// Authentication Tests
// ==========================================================================

func TestSecurity_NoAuthHeader_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	endpoints := []struct {
		method, path string
	}{
		{"GET", "/v1/requests"},
		{"GET", "/v1/requests/req-1"},
		{"GET", "/v1/requests/req-1/history"},
		{"POST", "/v1/requests"},
		{"POST", "/v1/requests/req-1/approve"},
		{"POST", "/v1/requests/req-1/reject"},
		{"POST", "/v1/requests/req-1/cancel"},
		{"GET", "/v1/inbox"},
		{"GET", "/v1/balances/me"},
		{"GET", "/v1/balances/me/entries"},
		{"POST", "/v1/balances/emp-1/grants"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			var resp *http.Response
			if ep.method == "POST" {
				resp = h.POST(ep.path, map[string]any{}, "")
			} else {
				resp = h.GET(ep.path, "")
			}
			h.AssertError(t, resp, http.StatusUnauthorized, "UNAUTHORIZED")
		})
	}
}

func TestSecurity_InvalidSignature_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	// Signed with a key the JWKS does not publish, under a known kid.
	differentKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": h.issuer.Issuer(),
		"aud": h.issuer.Audience(),
		"sub": "emp-1",
		"exp": jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(differentKey)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	resp := h.GET("/v1/inbox", signed)
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

func TestSecurity_NoneAlgorithm_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"hr-admin","iss":"https://auth.test.hrflow.dev","aud":"hrflow-api-test","realm_access":{"roles":["hr_admin"]}}`))
	noneToken := header + "." + payload + "."

	resp := h.GET("/v1/inbox", noneToken)
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

func TestSecurity_WrongAudience_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	token := h.issuer.Sign(jwt.MapClaims{
		"iss": h.issuer.Issuer(),
		"aud": "some-other-api",
		"sub": "emp-1",
		"exp": jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	resp := h.GET("/v1/inbox", token)
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

func TestSecurity_TokenWithoutSubject_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	token := h.issuer.Sign(jwt.MapClaims{
		"iss": h.issuer.Issuer(),
		"aud": h.issuer.Audience(),
		"exp": jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	resp := h.GET("/v1/inbox", token)
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

func TestSecurity_MalformedToken_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/v1/inbox", "not.a.valid.jwt.token")
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

// ==========================================================================
// Identity Comes From The Token
// ==========================================================================

func TestSecurity_ActorIsTokenSubject(t *testing.T) {
	h := NewTestHarness(t)
	h.Grant(t, "emp-1", "10")

	out := h.Submit(t, "emp-1", LeaveRequest("1", "mgr-1"))

	// A body field naming another actor is rejected, not honoured.
	resp := h.POST("/v1/requests/"+out.Request.ID+"/approve",
		map[string]any{"actor_id": "mgr-1"},
		h.GenerateToken(EmployeeClaims("emp-1")))
	h.AssertError(t, resp, http.StatusBadRequest, "BAD_REQUEST")

	resp = h.POST("/v1/requests/"+out.Request.ID+"/approve", nil, h.GenerateToken(EmployeeClaims("emp-1")))
	h.AssertError(t, resp, http.StatusForbidden, "FORBIDDEN")
}

// ==========================================================================
// Privilege Escalation Prevention Tests
// ==========================================================================

func TestSecurity_EmployeeCannotGrant(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.POST("/v1/balances/emp-1/grants",
		map[string]any{"days": "100", "reason": "self-service"},
		h.GenerateToken(EmployeeClaims("emp-1")))
	h.AssertError(t, resp, http.StatusForbidden, "FORBIDDEN")
}

func TestSecurity_ViewerCannotGrant(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.POST("/v1/balances/emp-1/grants",
		map[string]any{"days": "1", "reason": "test"},
		h.GenerateToken(HRViewerClaims()))
	h.AssertError(t, resp, http.StatusForbidden, "FORBIDDEN")
}

func TestSecurity_RequestDetailVisibility(t *testing.T) {
	h := NewTestHarness(t)
	h.Grant(t, "emp-1", "10")
	out := h.Submit(t, "emp-1", LeaveRequest("1", "mgr-1"))
	path := "/v1/requests/" + out.Request.ID

	tests := []struct {
		name   string
		claims TestClaims
		want   int
	}{
		{"requester", EmployeeClaims("emp-1"), http.StatusOK},
		{"approver", EmployeeClaims("mgr-1"), http.StatusOK},
		{"hr viewer", HRViewerClaims(), http.StatusOK},
		{"colleague", EmployeeClaims("emp-2"), http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.GET(path, h.GenerateToken(tt.claims))
			h.AssertStatus(t, resp, tt.want)
		})
	}
}

func TestSecurity_ColleagueCannotCancel(t *testing.T) {
	h := NewTestHarness(t)
	h.Grant(t, "emp-1", "10")
	out := h.Submit(t, "emp-1", LeaveRequest("1", "mgr-1"))

	resp := h.POST("/v1/requests/"+out.Request.ID+"/cancel", map[string]any{}, h.GenerateToken(EmployeeClaims("emp-2")))
	h.AssertError(t, resp, http.StatusForbidden, "FORBIDDEN")

	// HR with the cancel-any capability may cancel on the requester's behalf.
	var cancelled Outcome
	h.AssertJSON(t, h.POST("/v1/requests/"+out.Request.ID+"/cancel", map[string]any{"reason": "duplicate"},
		h.GenerateToken(HRAdminClaims())), http.StatusOK, &cancelled)
	if cancelled.Request.Status != "cancelled" {
		t.Errorf("status = %q, want cancelled", cancelled.Request.Status)
	}
}

// ==========================================================================
// Response Hardening
// ==========================================================================

func TestSecurity_ResponseHeaders(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/v1/inbox", h.GenerateToken(EmployeeClaims("emp-1")))
	defer resp.Body.Close()

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
	} {
		if got := resp.Header.Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
	if resp.Header.Get("X-Correlation-Id") == "" {
		t.Error("X-Correlation-Id should be set")
	}
}

func TestSecurity_CorrelationIDEchoed(t *testing.T) {
	h := NewTestHarness(t)

	req, err := http.NewRequest(http.MethodGet, h.BaseURL()+"/v1/requests/does-not-exist", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+h.GenerateToken(EmployeeClaims("emp-1")))
	req.Header.Set("X-Correlation-Id", "corr-123")

	resp := h.Do(req)
	if got := resp.Header.Get("X-Correlation-Id"); got != "corr-123" {
		t.Errorf("X-Correlation-Id = %q, want corr-123", got)
	}
	h.AssertError(t, resp, http.StatusNotFound, "NOT_FOUND")
}
