// internal/service/notification/sink.go
package notification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Sink delivers an outbound owner message. An empty phone is a silent no-op.
type Sink interface {
	Send(ctx context.Context, establishmentID *string, phone, body string) error
}

// LogSink only logs messages. Used when no gateway is configured.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Send(ctx context.Context, establishmentID *string, phone, body string) error {
	if strings.TrimSpace(phone) == "" {
		return nil
	}
	fields := []zap.Field{zap.String("phone", maskPhone(phone)), zap.String("body", body)}
	if establishmentID != nil {
		fields = append(fields, zap.String("establishment_id", *establishmentID))
	}
	s.logger.Info("notification (log sink)", fields...)
	return nil
}

// maskPhone keeps the last four digits.
func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}

// ========== Message bodies ==========

func PaymentConfirmedMessage(planID string, periodEnd time.Time) string {
	return fmt.Sprintf("Payment received. Your %s plan is active until %s.", planID, periodEnd.Format("02/01/2006"))
}

func PaymentFailedMessage(planID string, retryCount int) string {
	return fmt.Sprintf("We could not process the payment for your %s plan (attempt %d). Please update your payment method to avoid interruption.", planID, retryCount)
}

func DunningWarningMessage(planID string, daysLate int) string {
	return fmt.Sprintf("Your %s plan payment is %d days overdue. Access will be suspended after 7 days.", planID, daysLate)
}

func SuspendedMessage(planID string) string {
	return fmt.Sprintf("Your %s plan was suspended for non-payment. Subscribe again to restore access.", planID)
}
