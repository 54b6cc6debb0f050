// Package logger builds log/slog loggers for the billing service.
//
// New applies functional options on top of JSON/info defaults and wraps the
// handler with a decorator that copies request-scoped values out of the
// context. Attribute helpers keep key names consistent across packages:
//
//	log := logger.New(
//		logger.WithEnvironment(cfg.Env, "billing"),
//		logger.WithContextExtractors(requestid.LoggerExtractor()),
//	)
//	log.ErrorContext(ctx, "subscription upsert failed",
//		logger.SubscriptionID(sub.ID),
//		logger.Error(err),
//	)
package logger
