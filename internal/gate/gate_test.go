package gate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/planforge/credits/pkg/billing"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

type stubBalances struct {
	account billing.Account
	err     error
}

func (balances *stubBalances) GetBalance(ctx context.Context, userID billing.UserID) (billing.Account, error) {
	if balances.err != nil {
		return billing.Account{}, balances.err
	}
	return balances.account, nil
}

func TestRequireCreditsAllowsPositiveBalance(test *testing.T) {
	test.Parallel()
	balances := &stubBalances{account: billing.Account{UserID: "user-1", Plan: billing.PlanPro, CreditsBalance: 5}}
	ctx, recorder := newGateContext(test, "user-1")

	handlerRan := false
	RequireCredits(balances, zap.NewNop())(ctx)
	if !ctx.IsAborted() {
		handlerRan = true
	}
	if !handlerRan {
		test.Fatalf("expected request to proceed, got status %d", recorder.Code)
	}
	account, ok := AccountFromContext(ctx)
	if !ok {
		test.Fatalf("expected account in context")
	}
	if account.CreditsBalance != 5 {
		test.Fatalf("unexpected account balance %d", account.CreditsBalance)
	}
}

func TestRequireCreditsRejectsEmptyBalanceWithUpgradePayload(test *testing.T) {
	test.Parallel()
	balances := &stubBalances{account: billing.Account{UserID: "user-2", Plan: billing.PlanFree, CreditsBalance: 0}}
	ctx, recorder := newGateContext(test, "user-2")

	RequireCredits(balances, zap.NewNop())(ctx)
	if !ctx.IsAborted() {
		test.Fatalf("expected aborted request")
	}
	if recorder.Code != http.StatusPaymentRequired {
		test.Fatalf("expected 402, got %d", recorder.Code)
	}
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
		Plan            string `json:"plan"`
		CreditsBalance  int64  `json:"credits_balance"`
		UpgradeRequired bool   `json:"upgrade_required"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		test.Fatalf("decode payload: %v", err)
	}
	if payload.Error.Code != "insufficient_credits" {
		test.Fatalf("unexpected error code %q", payload.Error.Code)
	}
	if payload.Plan != "free" || payload.CreditsBalance != 0 || !payload.UpgradeRequired {
		test.Fatalf("unexpected payload %+v", payload)
	}
}

func TestRequireCreditsRejectsMissingSession(test *testing.T) {
	test.Parallel()
	ctx, recorder := newGateContext(test, "")

	RequireCredits(&stubBalances{}, zap.NewNop())(ctx)
	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestRequireCreditsSurfacesLedgerFailure(test *testing.T) {
	test.Parallel()
	balances := &stubBalances{err: errors.New("store unavailable")}
	ctx, recorder := newGateContext(test, "user-3")

	RequireCredits(balances, zap.NewNop())(ctx)
	if recorder.Code != http.StatusBadGateway {
		test.Fatalf("expected 502, got %d", recorder.Code)
	}
}

func newGateContext(test *testing.T, userID string) (*gin.Context, *httptest.ResponseRecorder) {
	test.Helper()
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodPost, "/api/plans", nil)
	if userID != "" {
		ctx.Set(ContextKeyClaims, &sessionvalidator.Claims{UserID: userID})
	}
	return ctx, recorder
}
