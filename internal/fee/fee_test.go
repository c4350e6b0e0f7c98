package fee

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompute(t *testing.T) {
	tests := []struct {
		name    string
		amount  int64
		rateBps int64
		fee     int64
		net     int64
	}{
		{"ten dollars at five percent", 1000, 500, 50, 950},
		{"half rounds up", 110, 500, 6, 104},
		{"below half rounds down", 108, 500, 5, 103},
		{"zero rate", 2500, 0, 0, 2500},
		{"full rate", 2500, 10_000, 2500, 0},
		{"fractional bps", 333, 290, 10, 323},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			split, err := Compute(tt.amount, tt.rateBps)
			require.NoError(t, err)
			assert.Equal(t, tt.amount, split.Gross)
			assert.Equal(t, tt.fee, split.Fee)
			assert.Equal(t, tt.net, split.Net)
			assert.Equal(t, split.Gross, split.Fee+split.Net)
		})
	}
}

func TestCompute_RejectsBadInput(t *testing.T) {
	_, err := Compute(-1, 500)
	assert.Error(t, err)

	_, err = Compute(100, 10_001)
	assert.Error(t, err)
}
