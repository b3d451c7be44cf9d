package repository

import (
	"context"
	"errors"
	"testing"
)

func TestCreditPoints_NonPositiveBottles(t *testing.T) {
	// Защита срабатывает до открытия транзакции, пул не нужен.
	r := &PostgresRepository{}

	for _, bottles := range []int{0, -2} {
		total, duplicate, err := r.CreditPoints(context.Background(), CreditParams{
			ProfileID:       1,
			Bottles:         bottles,
			PointsPerBottle: 10,
		})
		if !errors.Is(err, ErrInvalidQuantity) {
			t.Errorf("CreditPoints(bottles=%d) error = %v, want ErrInvalidQuantity", bottles, err)
		}
		if total != 0 || duplicate {
			t.Errorf("CreditPoints(bottles=%d) = (%d, %v), want (0, false)", bottles, total, duplicate)
		}
	}
}
