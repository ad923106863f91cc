package circuitbreaker

import (
	"context"

	"go.uber.org/zap"

	"github.com/stepline/stepline/internal/transport"
)

// ProtectedSender wraps a transport sender with a CircuitBreaker. A
// rejected send surfaces as a retryable transport error, so the executor
// reschedules the attempt instead of blocking the enrollment.
type ProtectedSender struct {
	sender  transport.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender transport.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send pushes messages through the circuit breaker.
func (p *ProtectedSender) Send(ctx context.Context, platformUserID string, messages []transport.Message) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send, failing fast",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("platform_user_id", platformUserID),
			zap.String("state", p.breaker.GetState().String()),
		)
		return &transport.SendError{
			Msg:       ErrCircuitOpen.Error(),
			Retryable: true,
		}
	}

	err := p.sender.Send(ctx, platformUserID, messages)
	if err != nil {
		p.breaker.RecordFailure()
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

// Breaker returns the underlying circuit breaker for the stats surface.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
