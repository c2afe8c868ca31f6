// Command genmock generates a synthetic DataPoint 3-hourly site forecast
// fixture. Output is deterministic for a given seed, and it is checked
// against the domain parser before being written so fixtures always import
// cleanly.
//
// Usage:
//
//	go run ./cmd/genmock \
//	  -out testdata/response.json \
//	  -issued 2016-01-01T18:00:00Z \
//	  -days 5 -seed 1
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tempmonitor/forecast-etl/internal/domain"
)

const repsPerDay = 8

var compass = []string{"N", "NNE", "NE", "ENE", "E", "ESE", "SE", "SSE", "S", "SSW", "SW", "WSW", "W", "WNW", "NW", "NNW"}

var visibility = []string{"VP", "PO", "MO", "GO", "VG", "EX"}

// param is one entry of the "Wx" legend.
type param struct {
	Name  string `json:"name"`
	Units string `json:"units"`
	Label string `json:"$"`
}

type fixture struct {
	SiteRep struct {
		Wx struct {
			Param []param `json:"Param"`
		} `json:"Wx"`
		DV *domain.DataValues `json:"DV"`
	} `json:"SiteRep"`
}

var legend = []param{
	{"F", "C", "Feels Like Temperature"},
	{"G", "mph", "Wind Gust"},
	{"H", "%", "Screen Relative Humidity"},
	{"T", "C", "Temperature"},
	{"V", "", "Visibility"},
	{"D", "compass", "Wind Direction"},
	{"S", "mph", "Wind Speed"},
	{"U", "", "Max UV Index"},
	{"W", "", "Weather Type"},
	{"Pp", "%", "Precipitation Probability"},
}

// options describe the forecast to generate.
type options struct {
	issued     time.Time
	days       int
	seed       int64
	locationID string
	name       string
	baseTemp   float64
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	out := flag.String("out", "", "output path for the DataPoint JSON fixture")
	issued := flag.String("issued", "2016-01-01T18:00:00Z", "forecast issue time (RFC 3339)")
	days := flag.Int("days", 5, "number of forecast days (periods)")
	seed := flag.Int64("seed", 1, "random seed")
	location := flag.String("location", "310012", "DataPoint site id")
	name := flag.String("name", "KESWICK", "site name")
	base := flag.Float64("base-temp", 5, "mean air temperature in C")
	flag.Parse()

	if *out == "" {
		flag.Usage()
		return fmt.Errorf("missing required flag: -out")
	}
	issuedAt, err := time.Parse(time.RFC3339, *issued)
	if err != nil {
		return fmt.Errorf("invalid -issued: %w", err)
	}
	if *days < 1 {
		return fmt.Errorf("-days must be at least 1")
	}

	opts := options{
		issued:     issuedAt.UTC(),
		days:       *days,
		seed:       *seed,
		locationID: *location,
		name:       *name,
		baseTemp:   *base,
	}
	dv := generate(opts)

	var doc fixture
	doc.SiteRep.Wx.Param = legend
	doc.SiteRep.DV = dv

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fixture: %w", err)
	}
	data = append(data, '\n')

	// Round-trip through the parser with the issue time as ingestion time.
	domain.SetClock(clockwork.NewFakeClockAt(opts.issued))
	defer domain.SetClock(nil)
	readings, err := domain.ParseDocument(data, domain.IngestionTime())
	if err != nil {
		return fmt.Errorf("generated fixture does not parse: %w", err)
	}

	if err := writeFile(*out, data); err != nil {
		return fmt.Errorf("writing fixture: %w", err)
	}
	log.Printf("wrote fixture: %s", *out)

	printStats(readings)
	return nil
}

// generate builds the forecast payload. The first period starts at the
// 3-hour slot containing the issue time; later periods are full days.
func generate(opts options) *domain.DataValues {
	rng := rand.New(rand.NewSource(opts.seed)) //nolint:gosec // fixture data
	day := time.Date(opts.issued.Year(), opts.issued.Month(), opts.issued.Day(), 0, 0, 0, 0, time.UTC)
	firstSlot := opts.issued.Hour() / 3

	loc := &domain.Location{
		ID:        opts.locationID,
		Name:      opts.name,
		Country:   "ENGLAND",
		Continent: "EUROPE",
		Latitude:  "54.6583",
		Longitude: "-3.2453",
		Elevation: "79.0",
	}

	for d := range opts.days {
		p := domain.Period{
			Type: "Day",
			Date: ptr(day.AddDate(0, 0, d).Format("2006-01-02") + "Z"),
		}
		start := 0
		if d == 0 {
			start = firstSlot
		}
		for slot := start; slot < repsPerDay; slot++ {
			p.Reps = append(p.Reps, generateRep(rng, opts.baseTemp, slot*180))
		}
		loc.Periods = append(loc.Periods, p)
	}

	return &domain.DataValues{
		DataDate: opts.issued.Format(time.RFC3339),
		Type:     "Forecast",
		Location: loc,
	}
}

func generateRep(rng *rand.Rand, baseTemp float64, minutes int) domain.Rep {
	hour := float64(minutes) / 60
	// Diurnal cycle peaking mid-afternoon.
	temp := baseTemp + 4*math.Sin(2*math.Pi*(hour-9)/24) + rng.Float64()*2 - 1
	wind := 3 + rng.Intn(18)
	feels := temp - float64(wind)/4

	uv := 0
	if hour >= 9 && hour <= 15 {
		uv = 1
	}

	return domain.Rep{
		Minutes:       ptr(strconv.Itoa(minutes)),
		FeelsLike:     ptr(strconv.Itoa(int(math.Round(feels)))),
		Temperature:   strconv.Itoa(int(math.Round(temp))),
		WindDirection: compass[rng.Intn(len(compass))],
		WindGust:      strconv.Itoa(wind + 5 + rng.Intn(15)),
		Humidity:      strconv.Itoa(65 + rng.Intn(35)),
		PrecipProb:    strconv.Itoa(rng.Intn(100)),
		WindSpeed:     strconv.Itoa(wind),
		Visibility:    visibility[rng.Intn(len(visibility))],
		WeatherType:   strconv.Itoa(rng.Intn(16)),
		UVIndex:       strconv.Itoa(uv),
	}
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func printStats(readings []domain.Reading) {
	if len(readings) == 0 {
		fmt.Println("no readings")
		return
	}
	lo, hi := readings[0].Temperature, readings[0].Temperature
	for _, r := range readings[1:] {
		lo = min(lo, r.Temperature)
		hi = max(hi, r.Temperature)
	}

	fmt.Println("\n=== Stats for updating test assertions ===")
	fmt.Printf("Readings: %d\n", len(readings))
	fmt.Printf("First: %s\n", readings[0].ObservationTime.Format(time.RFC3339))
	fmt.Printf("Last: %s\n", readings[len(readings)-1].ObservationTime.Format(time.RFC3339))
	fmt.Printf("Feels-like range: %d..%d C\n", lo, hi)
}

func ptr(s string) *string { return &s }
