package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/anthev-stack/commpledge-sub001/internal/apperror"
)

// SignatureHeader carries "t=<unix>,v1=<hex hmac>" for every processor event.
const SignatureHeader = "Processor-Signature"

// Sign returns the header value for body signed at ts.
func Sign(secret string, body []byte, ts time.Time) string {
	t := strconv.FormatInt(ts.Unix(), 10)
	return fmt.Sprintf("t=%s,v1=%s", t, computeSignature(secret, t, body))
}

func computeSignature(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against the raw request body. Any v1 entry may
// match, which allows the processor to roll its secret. A tolerance of zero
// disables the timestamp window.
func VerifySignature(body []byte, header, secret string, now time.Time, tolerance time.Duration) error {
	if secret == "" {
		return apperror.SignatureVerification("no webhook secret configured")
	}
	if header == "" {
		return apperror.SignatureVerification("missing %s header", SignatureHeader)
	}

	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}

	if timestamp == "" || len(signatures) == 0 {
		return apperror.SignatureVerification("malformed signature header")
	}

	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return apperror.SignatureVerification("malformed signature timestamp")
	}
	if tolerance > 0 {
		age := now.Sub(time.Unix(unix, 0))
		if age > tolerance || age < -tolerance {
			return apperror.SignatureVerification("signature timestamp outside tolerance")
		}
	}

	expected := []byte(computeSignature(secret, timestamp, body))
	for _, sig := range signatures {
		if hmac.Equal(expected, []byte(sig)) {
			return nil
		}
	}
	return apperror.SignatureVerification("no matching signature")
}
