package payment_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-digistore/internal/payment"
)

func TestToMinorUnits(t *testing.T) {
	cases := []struct {
		name   string
		amount float64
		want   int64
	}{
		{"whole rupees", 249.00, 24900},
		{"zero", 0, 0},
		{"plain paise", 10.99, 1099},
		{"half paisa rounds up", 1.005, 101},
		{"classic float trap rounds up", 2.675, 268},
		{"below half rounds down", 1.0049, 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := payment.ToMinorUnits(tc.amount)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestToMinorUnitsRejectsInvalidAmounts(t *testing.T) {
	for _, amount := range []float64{-0.01, math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := payment.ToMinorUnits(amount)
		require.Error(t, err)
	}
}
