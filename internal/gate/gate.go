// Package gate blocks credit-consuming actions before expensive work
// when the account has no remaining balance. It is a read-then-decide
// check, not a reservation: the deduct happens after the protected
// action succeeds, so a concurrent spend can still race past an
// in-flight request.
package gate

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/planforge/credits/pkg/billing"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	// ContextKeyClaims is where the session middleware stores claims.
	ContextKeyClaims = "auth_claims"
	// ContextKeyAccount is where the gate stores the loaded account.
	ContextKeyAccount = "billing_account"
)

// BalanceReader is the slice of the billing service the gate needs.
type BalanceReader interface {
	GetBalance(ctx context.Context, userID billing.UserID) (billing.Account, error)
}

// RequireCredits loads the caller's account and aborts with a
// structured insufficient-credits payload when the balance is empty.
// The payload carries plan and balance so the frontend can render an
// upgrade prompt.
func RequireCredits(balances BalanceReader, logger *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := ClaimsFromContext(ctx)
		if claims == nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"code": "unauthorized", "message": "missing session"},
			})
			return
		}
		userID, err := billing.NewUserID(claims.GetUserID())
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"code": "unauthorized", "message": "invalid session subject"},
			})
			return
		}
		account, err := balances.GetBalance(ctx.Request.Context(), userID)
		if err != nil {
			logger.Error("usage gate balance lookup failed",
				zap.String("user_id", userID.String()),
				zap.Error(err))
			ctx.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
				"error": gin.H{"code": "ledger_error", "message": "balance unavailable"},
			})
			return
		}
		if account.CreditsBalance <= 0 {
			ctx.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error": gin.H{
					"code":    "insufficient_credits",
					"message": "no credits remaining",
				},
				"plan":             account.Plan.String(),
				"credits_balance":  account.CreditsBalance,
				"upgrade_required": account.Plan != billing.PlanPro,
			})
			return
		}
		ctx.Set(ContextKeyAccount, account)
		ctx.Next()
	}
}

// ClaimsFromContext returns the session claims stored by the auth middleware.
func ClaimsFromContext(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(ContextKeyClaims)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

// AccountFromContext returns the account loaded by RequireCredits.
func AccountFromContext(ctx *gin.Context) (billing.Account, bool) {
	accountValue, ok := ctx.Get(ContextKeyAccount)
	if !ok {
		return billing.Account{}, false
	}
	account, ok := accountValue.(billing.Account)
	return account, ok
}
