package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s", jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

// GuestQuotaKey counts anonymous submissions per client address per UTC day.
func GuestQuotaKey(clientIP string, day time.Time) string {
	return fmt.Sprintf("guest:%s:%s", clientIP, day.UTC().Format("20060102"))
}

// TranslationKey identifies a cached chunk translation.
func TranslationKey(source, target, text string) string {
	h := sha256.Sum256([]byte(source + "|" + target + "|" + text))
	return "tr:" + hex.EncodeToString(h[:])
}
