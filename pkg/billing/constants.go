package billing

const (
	operationGetBalance = "get_balance"
	operationDeduct     = "deduct"
	operationGrant      = "grant"
	operationPlanChange = "plan_change"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	initIdempotencyKeyPrefix = "init_"

	descriptionInitialGrant = "initial free plan allotment"

	freePlanCredits int64 = 3
	proPlanCredits  int64 = 40
)

// FreePlanCredits returns the lifetime allotment granted on account creation.
func FreePlanCredits() int64 {
	return freePlanCredits
}

// ProPlanCredits returns the credits granted per subscription activation or renewal.
func ProPlanCredits() int64 {
	return proPlanCredits
}

// InitIdempotencyKey derives the idempotency key guarding lazy account provisioning.
func InitIdempotencyKey(userID UserID) IdempotencyKey {
	return IdempotencyKey{value: initIdempotencyKeyPrefix + userID.String()}
}
