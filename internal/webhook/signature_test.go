package webhook

import (
	"testing"
	"time"

	"github.com/anthev-stack/commpledge-sub001/internal/apperror"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`)
	now := time.Unix(1_700_000_000, 0)
	valid := Sign("whsec_test", body, now)

	tests := []struct {
		name    string
		body    []byte
		header  string
		secret  string
		now     time.Time
		wantErr bool
	}{
		{"valid", body, valid, "whsec_test", now, false},
		{"within tolerance", body, valid, "whsec_test", now.Add(299 * time.Second), false},
		{"too old", body, valid, "whsec_test", now.Add(301 * time.Second), true},
		{"from the future", body, valid, "whsec_test", now.Add(-301 * time.Second), true},
		{"tampered body", []byte(`{"id":"evt_2"}`), valid, "whsec_test", now, true},
		{"wrong secret", body, valid, "whsec_other", now, true},
		{"missing header", body, "", "whsec_test", now, true},
		{"no v1", body, "t=1700000000", "whsec_test", now, true},
		{"bad timestamp", body, "t=abc,v1=00", "whsec_test", now, true},
		{"no secret configured", body, valid, "", now, true},
		{"rolled secret", body, valid + ",v1=deadbeef", "whsec_test", now, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifySignature(tt.body, tt.header, tt.secret, tt.now, 300*time.Second)
			if tt.wantErr {
				assert.True(t, errors.Is(err, apperror.ErrSignatureVerification), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestVerifySignature_NoTolerance(t *testing.T) {
	body := []byte(`{}`)
	header := Sign("s", body, time.Unix(0, 0))
	assert.NoError(t, VerifySignature(body, header, "s", time.Now(), 0))
}
