package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDaysInYear(t *testing.T) {
	for year := 1600; year <= 2400; year++ {
		days := DaysInYear(year)
		leap := year%4 == 0 && (year%100 != 0 || year%400 == 0)

		if leap {
			assert.Equal(t, 366, days, "year %d", year)
		} else {
			assert.Equal(t, 365, days, "year %d", year)
		}
	}

	assert.Equal(t, 366, DaysInYear(2000))
	assert.Equal(t, 365, DaysInYear(1900))
	assert.Equal(t, 366, DaysInYear(2024))
	assert.Equal(t, 365, DaysInYear(2025))
}

func TestRenewalAnchor(t *testing.T) {
	tests := []struct {
		year int
		want time.Time
	}{
		{2024, time.Date(2024, time.January, 2, 0, 0, 0, 0, time.UTC)}, // Jan 1 is a Monday
		{2025, time.Date(2025, time.January, 7, 0, 0, 0, 0, time.UTC)}, // Wednesday
		{2026, time.Date(2026, time.January, 6, 0, 0, 0, 0, time.UTC)}, // Thursday
		{2027, time.Date(2027, time.January, 5, 0, 0, 0, 0, time.UTC)}, // Friday
		{2028, time.Date(2028, time.January, 4, 0, 0, 0, 0, time.UTC)}, // Saturday
		{2029, time.Date(2029, time.January, 2, 0, 0, 0, 0, time.UTC)}, // Monday
		{2030, time.Date(2030, time.January, 1, 0, 0, 0, 0, time.UTC)}, // Tuesday
		{2023, time.Date(2023, time.January, 3, 0, 0, 0, 0, time.UTC)}, // Sunday
	}

	for _, tt := range tests {
		got := RenewalAnchor(tt.year)
		assert.Equal(t, tt.want, got, "year %d", tt.year)
		assert.Equal(t, time.Tuesday, got.Weekday())
	}
}

func TestNextRenewalDate_AlwaysTuesdayAndAfterReference(t *testing.T) {
	start := time.Date(2019, time.December, 25, 7, 30, 0, 0, time.UTC)
	for i := 0; i < 3*366; i++ {
		ref := start.AddDate(0, 0, i)
		next := NextRenewalDate(ref)

		assert.Equal(t, time.Tuesday, next.Weekday(), "ref %s", ref)
		assert.True(t, next.After(ref), "ref %s next %s", ref, next)
	}
}

func TestCalculateProration_GoldenValues(t *testing.T) {
	tests := []struct {
		name     string
		price    float64
		ref      time.Time
		days     int
		prorated float64
		next     time.Time
	}{
		{
			name:     "mid year with half day rounds days up",
			price:    0.99,
			ref:      time.Date(2025, time.June, 15, 12, 0, 0, 0, time.UTC),
			days:     205,
			prorated: 0.56,
			next:     time.Date(2026, time.January, 6, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "larger price same date",
			price:    99,
			ref:      time.Date(2025, time.June, 15, 12, 0, 0, 0, time.UTC),
			days:     205,
			prorated: 55.60,
			next:     time.Date(2026, time.January, 6, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "leap year reference",
			price:    99,
			ref:      time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
			days:     312,
			prorated: 84.39,
			next:     time.Date(2025, time.January, 7, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "end of year",
			price:    99,
			ref:      time.Date(2025, time.December, 31, 12, 0, 0, 0, time.UTC),
			days:     6,
			prorated: 1.63,
			next:     time.Date(2026, time.January, 6, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateProration(tt.price, tt.ref)

			assert.Equal(t, tt.days, got.DaysRemaining)
			assert.InDelta(t, tt.prorated, got.ProratedPrice, 1e-9)
			assert.Equal(t, tt.next, got.NextBillingDate)
			assert.Equal(t, tt.price, got.FullPrice)
		})
	}
}

func TestCalculateProration_OnAnchorUsesFollowingYear(t *testing.T) {
	anchor := RenewalAnchor(2025)

	got := CalculateProration(99, anchor)

	assert.Equal(t, RenewalAnchor(2026), got.NextBillingDate)
	assert.Equal(t, 364, got.DaysRemaining)
	assert.InDelta(t, 98.73, got.ProratedPrice, 1e-9)
}

func TestCalculateProration_NeverExceedsFullPrice(t *testing.T) {
	start := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 2*366; i++ {
		ref := start.AddDate(0, 0, i)
		got := CalculateProration(0.99, ref)

		assert.LessOrEqual(t, got.ProratedPrice, 0.99, "ref %s", ref)
		assert.Greater(t, got.DaysRemaining, 0)
	}
}

func TestCalculateProration_Deterministic(t *testing.T) {
	ref := time.Date(2025, time.September, 9, 17, 45, 3, 0, time.FixedZone("UTC+7", 7*3600))

	first := CalculateProration(49.5, ref)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, CalculateProration(49.5, ref))
	}
}

func TestDiscountPercent(t *testing.T) {
	assert.Equal(t, int64(43), DiscountPercent(0.99, 0.56))
	assert.Equal(t, int64(0), DiscountPercent(0.99, 0.99))
	assert.Equal(t, int64(0), DiscountPercent(99, 98.73))
	assert.Equal(t, int64(98), DiscountPercent(99, 1.63))
	assert.Equal(t, int64(0), DiscountPercent(0, 0))
}
