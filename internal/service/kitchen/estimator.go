package kitchen

import (
	"errors"
	"math/rand/v2"
	"time"
)

const (
	// DefaultProcessingTimeMin — нижняя граница оценки времени приготовления.
	DefaultProcessingTimeMin = 5 * time.Minute
	// DefaultProcessingTimeMax — верхняя граница (не включительно).
	DefaultProcessingTimeMax = 15 * time.Minute
)

// ErrEstimatorRange — некорректные границы оценки времени приготовления.
var ErrEstimatorRange = errors.New("processing time range must satisfy 1s <= min <= max")

// Estimator возвращает оценку времени приготовления одного заказа.
type Estimator func() time.Duration

// NewUniformEstimator возвращает оценку, равномерно распределённую в [min, max).
// При min == max оценка постоянна.
func NewUniformEstimator(min, max time.Duration) (Estimator, error) {
	if min < time.Second || max < min {
		return nil, ErrEstimatorRange
	}
	if min == max {
		return func() time.Duration { return min }, nil
	}

	spread := int64(max - min)
	return func() time.Duration {
		return min + time.Duration(rand.Int64N(spread))
	}, nil
}

// DefaultEstimator — оценка от 5 до 15 минут.
func DefaultEstimator() Estimator {
	estimator, _ := NewUniformEstimator(DefaultProcessingTimeMin, DefaultProcessingTimeMax)
	return estimator
}
