// Package domain models Met Office DataPoint site forecasts and the flat
// temperature series derived from them.
//
// # Data Source
//
// Forecasts come from the DataPoint "wxfcs" feed at 3-hourly resolution:
//
//	/public/data/val/wxfcs/all/json/<location id>?res=3hourly&key=<api key>
//
// The response is a single JSON document rooted at "SiteRep". Only the
// "DV" (data values) branch is used; the "Wx" parameter legend is ignored.
//
// # Document Layout
//
//	SiteRep.DV.Location.Period[]      one entry per calendar day
//	  Period.value                    date-only string, e.g. "2016-01-01Z"
//	  Period.Rep[]                    readings for that day
//	    Rep.$                         minutes after midnight, e.g. "180"
//	    Rep.F                         feels-like temperature, whole degrees C
//	    Rep.T                         screen temperature, whole degrees C
//
// Every scalar is a JSON string, including the numeric ones. Periods are
// emitted by DataPoint in date order and Reps in time order; the pipeline
// relies on that ordering and does not sort.
//
// # Time Reconstruction
//
// A Period date carries no time of day. The trailing "Z" marks UTC, so the
// date parses as UTC midnight and each Rep offset is added as a whole number
// of minutes:
//
//	"2016-01-01Z" + "180"  →  2016-01-01T03:00:00Z
//
// No timezone or daylight-saving conversion happens anywhere. See
// [PeriodMidnight] and [AtOffset].
//
// # Temperature Field
//
// The stored temperature is the "F" field, which is what the series has
// always recorded. "T" is decoded but not persisted.
//
// # Failure Modes
//
// A document missing a required node, or carrying one with the wrong JSON
// type, fails with [ErrStructure]. Keys match case-sensitively and a null
// counts as missing. A present string that does not parse as a date or
// integer, the empty string included, fails with [ErrFormat]. Nothing is
// defaulted or skipped.
package domain
