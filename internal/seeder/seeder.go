package seeder

import (
	"context"

	"go.uber.org/zap"

	"github.com/vnmchuo/ipu-finops/internal/auth"
)

const (
	DemoAPIKey = "demo-finops-key-12345"
	DemoUserID = "00000000-0000-0000-0000-000000000001"
)

// SeedDemoAPIKey registers DemoAPIKey for DemoUserID. The user still needs a
// profiles row pointing at a tenant before the key resolves to any data.
func SeedDemoAPIKey(ctx context.Context, store auth.Store, logger *zap.Logger) {
	logger = logger.Named("seeder")
	apiKey := &auth.APIKey{
		UserID:    DemoUserID,
		KeyHash:   auth.HashKey(DemoAPIKey),
		RateLimit: 0,
		Active:    true,
	}

	if err := store.Create(ctx, apiKey); err != nil {
		logger.Info("demo api key may already exist, skipping", zap.Error(err))
		return
	}
	logger.Info("demo api key created",
		zap.String("key", DemoAPIKey),
		zap.String("user_id", DemoUserID),
		zap.String("key_id", apiKey.ID),
	)
}
