package limits

import "golang.org/x/time/rate"

// MessageLimiter bounds the rate of protocol messages accepted from one
// connection. Token bucket: bursts are allowed up to the configured
// burst, sustained throughput is capped at the configured rate.
type MessageLimiter struct {
	limiter *rate.Limiter
}

func NewMessageLimiter(perSecond float64, burst int) *MessageLimiter {
	return &MessageLimiter{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Allow reports whether the next message may be processed. Over-limit
// messages are dropped by the caller, never a reason to disconnect.
func (m *MessageLimiter) Allow() bool {
	return m.limiter.Allow()
}
