package protocol

import (
	"time"

	"github.com/shopspring/decimal"
)

// UnitsPerLot is the number of wire quantity units in one broker lot
const UnitsPerLot = 1_000_000

var unitsPerLot = decimal.NewFromInt(UnitsPerLot)

// ToWireUnits converts a broker lot amount to integer micro-lots
func ToWireUnits(lots float64) int64 {
	return decimal.NewFromFloat(lots).Mul(unitsPerLot).IntPart()
}

// FromWireUnits converts integer micro-lots to a broker lot amount
func FromWireUnits(units int64) float64 {
	return decimal.New(units, -6).InexactFloat64()
}

const timestampLayout = "2006-01-02 15:04:05"

// FormatTimestamp renders t in local time as yyyy-MM-dd HH:mm:ss.000.
// The millisecond field is always zero.
func FormatTimestamp(t time.Time) string {
	return t.Local().Format(timestampLayout) + ".000"
}
