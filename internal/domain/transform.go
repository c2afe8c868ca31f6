package domain

import (
	"fmt"
	"iter"
	"strconv"
	"time"
)

// Readings yields one Reading per Rep in document order: periods first to
// last, reps first to last within each period. Every reading carries
// ingestedAt. The sequence is lazy and can be ranged over again to re-derive
// the same values.
//
// The first field that fails to parse is yielded as an ErrFormat error (a
// hand-built Document with a nil required field yields ErrStructure) and
// iteration stops there.
func Readings(doc Document, ingestedAt time.Time) iter.Seq2[Reading, error] {
	ingestedAt = ingestedAt.UTC()
	return func(yield func(Reading, error) bool) {
		for pi, period := range doc.periods() {
			if period.Date == nil {
				yield(Reading{}, fmt.Errorf("period %d: %w: missing value", pi, ErrStructure))
				return
			}
			midnight, err := PeriodMidnight(*period.Date)
			if err != nil {
				yield(Reading{}, fmt.Errorf("period %d: %w", pi, err))
				return
			}
			for ri, rep := range period.Reps {
				r, err := parseRep(midnight, rep, ingestedAt)
				if err != nil {
					yield(Reading{}, fmt.Errorf("period %d rep %d: %w", pi, ri, err))
					return
				}
				if !yield(r, nil) {
					return
				}
			}
		}
	}
}

// ParseDocument decodes data and collects every reading. It is the eager
// counterpart of Decode followed by Readings.
func ParseDocument(data []byte, ingestedAt time.Time) ([]Reading, error) {
	doc, err := Decode(data)
	if err != nil {
		return nil, err
	}
	out := make([]Reading, 0, doc.RepCount())
	for r, err := range Readings(doc, ingestedAt) {
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func parseRep(midnight time.Time, rep Rep, ingestedAt time.Time) (Reading, error) {
	if rep.Minutes == nil || rep.FeelsLike == nil {
		return Reading{}, fmt.Errorf("%w: missing $ or F", ErrStructure)
	}
	minutes, err := parseMinutes(*rep.Minutes)
	if err != nil {
		return Reading{}, err
	}
	temperature, err := parseTemperature(*rep.FeelsLike)
	if err != nil {
		return Reading{}, err
	}
	return Reading{
		ObservationTime: AtOffset(midnight, minutes),
		Temperature:     temperature,
		IngestionTime:   ingestedAt,
	}, nil
}

// parseMinutes parses the "$" field as an unsigned minute count.
func parseMinutes(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: minutes after midnight %q: %w", ErrFormat, s, err)
	}
	return uint32(v), nil
}

// parseTemperature parses a whole-degree temperature, which may be negative.
func parseTemperature(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: temperature %q: %w", ErrFormat, s, err)
	}
	return v, nil
}
