package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenTraceID returns a fresh trace id for an inbound event.
func GenTraceID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// GenPaymentID returns a payment intent id of the form pix_<epoch-ms>_<suffix>.
func GenPaymentID(now time.Time) string {
	suffix := uuid.Must(uuid.NewV7()).String()[:8]
	return fmt.Sprintf("pix_%d_%s", now.UnixMilli(), suffix)
}

// PixCode renders the mock copy-paste payment string for an intent.
func PixCode(paymentID string, amountCents int64) string {
	return fmt.Sprintf("000201BR.GOV.BCB.PIX|TURNSTILE|%s|%d", paymentID, amountCents)
}
