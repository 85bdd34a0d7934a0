package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// SignatureTolerance bounds how old a signed timestamp may be before the
// event is rejected as a replay.
const SignatureTolerance = 5 * time.Minute

// VerifyWebhookSignature checks a processor Signature header of the form
// "t=<unix>,v1=<hex>" where <hex> is the HMAC-SHA256 of "<t>.<payload>" under
// the shared webhook secret. Missing header, malformed header, stale
// timestamp and mismatch all fail closed.
func VerifyWebhookSignature(payload []byte, signatureHeader, webhookSecret string) bool {
	return verifySignatureAt(payload, signatureHeader, webhookSecret, time.Now())
}

func verifySignatureAt(payload []byte, signatureHeader, webhookSecret string, now time.Time) bool {
	secret := strings.TrimSpace(webhookSecret)
	header := strings.TrimSpace(signatureHeader)
	if secret == "" || header == "" {
		return false
	}

	timestamp, signatures := parseSignatureHeader(header)
	if timestamp == "" || len(signatures) == 0 {
		return false
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	age := now.Sub(time.Unix(ts, 0))
	if age > SignatureTolerance || age < -SignatureTolerance {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := mac.Sum(nil)

	for _, sig := range signatures {
		decoded, err := hex.DecodeString(strings.ToLower(sig))
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return true
		}
	}
	return false
}

// parseSignatureHeader splits "t=...,v1=...,v1=..." into the timestamp and
// candidate signatures. Multiple v1 entries are allowed during secret rotation.
func parseSignatureHeader(header string) (string, []string) {
	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = strings.TrimSpace(kv[1])
		case "v1":
			if sig := strings.TrimSpace(kv[1]); sig != "" {
				signatures = append(signatures, sig)
			}
		}
	}
	return timestamp, signatures
}
