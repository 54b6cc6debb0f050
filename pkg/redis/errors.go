package redis

import "errors"

var (
	ErrFailedToParseRedisConnString = errors.New("invalid redis connection url")
	ErrRedisNotReady                = errors.New("redis not ready before connect timeout")
	ErrHealthcheckFailed            = errors.New("event log backend is not reachable")
)
