package limiter

// LimitBy types
const (
	LimitByHandler      = "handler"
	LimitBySubscription = "subscription"
	LimitByMessage      = "message"
)

// Storage types
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)
