package domain

import (
	"math"
	"time"
)

// RenewalWeekday is the day every subscription renews on.
const RenewalWeekday = time.Tuesday

// Proration is the billing context for a purchase made on a reference date.
type Proration struct {
	FullPrice       float64   `json:"fullPrice"`
	ProratedPrice   float64   `json:"proratedPrice"`
	DaysRemaining   int       `json:"daysRemaining"`
	DaysInYear      int       `json:"daysInYear"`
	NextBillingDate time.Time `json:"nextBillingDate"`
}

// IsLeapYear applies the Gregorian rule.
func IsLeapYear(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

// DaysInYear returns 366 for leap years and 365 otherwise.
func DaysInYear(year int) int {
	if IsLeapYear(year) {
		return 366
	}
	return 365
}

// RenewalAnchor returns the first Tuesday on or after January 1st of the given year, in UTC.
func RenewalAnchor(year int) time.Time {
	jan1 := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	dow := int(jan1.Weekday())
	target := int(RenewalWeekday)

	var offset int
	if dow <= target {
		offset = target - dow
	} else {
		offset = (target + 7 - dow) % 7
	}
	return jan1.AddDate(0, 0, offset)
}

// NextRenewalDate is the renewal anchor of the year following the reference date.
func NextRenewalDate(ref time.Time) time.Time {
	return RenewalAnchor(ref.UTC().Year() + 1)
}

// DaysRemaining counts whole days, rounded up, from ref until the next renewal date.
func DaysRemaining(ref time.Time) int {
	renewal := NextRenewalDate(ref)
	return int(math.Ceil(renewal.Sub(ref.UTC()).Hours() / 24))
}

// CalculateProration prices the remainder of the billing year for a purchase made at ref.
// It is pure: the same (fullYearPrice, ref) always yields the same result.
func CalculateProration(fullYearPrice float64, ref time.Time) Proration {
	ref = ref.UTC()
	days := DaysRemaining(ref)
	daysInYear := DaysInYear(ref.Year())

	prorated := Round2(fullYearPrice / float64(daysInYear) * float64(days))
	if prorated > fullYearPrice {
		prorated = fullYearPrice
	}

	return Proration{
		FullPrice:       fullYearPrice,
		ProratedPrice:   prorated,
		DaysRemaining:   days,
		DaysInYear:      daysInYear,
		NextBillingDate: NextRenewalDate(ref),
	}
}

// DiscountPercent sizes the one-off coupon that brings fullPrice down to prorated.
func DiscountPercent(fullPrice, prorated float64) int64 {
	if fullPrice <= 0 || prorated >= fullPrice {
		return 0
	}
	return int64(math.Round((fullPrice - prorated) / fullPrice * 100))
}

// Round2 rounds half away from zero to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
