package request

type WalletURI struct {
	UserID string `uri:"user_id" binding:"required,max=128,user_id"`
}

type WalletQuery struct {
	ForceRefresh bool `form:"force_refresh"`
}

type RateURI struct {
	Material string `uri:"material" binding:"required,max=128"`
}
