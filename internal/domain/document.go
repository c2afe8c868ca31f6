package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// Document is the decoded DataPoint site report. Every node decodes with
// exact, case-sensitive keys.
type Document struct {
	SiteRep *SiteRep `json:"SiteRep" validate:"required"`
}

// SiteRep is the document root. The "Wx" parameter legend is not decoded.
type SiteRep struct {
	DV *DataValues `json:"DV" validate:"required"`
}

// DataValues holds the forecast payload and its issue metadata.
type DataValues struct {
	DataDate string    `json:"dataDate"`
	Type     string    `json:"type"`
	Location *Location `json:"Location" validate:"required"`
}

// Location is the forecast site. Periods arrive in date order.
type Location struct {
	ID        string   `json:"i"`
	Name      string   `json:"name"`
	Country   string   `json:"country"`
	Continent string   `json:"continent"`
	Latitude  string   `json:"lat"`
	Longitude string   `json:"lon"`
	Elevation string   `json:"elevation"`
	Periods   []Period `json:"Period" validate:"required,dive"`
}

// Period groups the reports for one calendar day.
type Period struct {
	Type string `json:"type"`
	Date *string `json:"value" validate:"required"`
	Reps []Rep  `json:"Rep" validate:"required,dive"`
}

// Rep is a single 3-hourly report within a Period. Minutes and FeelsLike are
// nil only when the key is absent or null; an empty string is kept and fails
// later as a format error.
type Rep struct {
	Minutes     *string `json:"$" validate:"required"`
	FeelsLike   *string `json:"F" validate:"required"`
	Temperature string  `json:"T"`

	WindDirection string `json:"D"`
	WindGust      string `json:"G"`
	Humidity      string `json:"H"`
	PrecipProb    string `json:"Pp"`
	WindSpeed     string `json:"S"`
	Visibility    string `json:"V"`
	WeatherType   string `json:"W"`
	UVIndex       string `json:"U"`
}

func (d *Document) UnmarshalJSON(data []byte) error { return decodeObject(data, d) }
func (s *SiteRep) UnmarshalJSON(data []byte) error { return decodeObject(data, s) }
func (dv *DataValues) UnmarshalJSON(data []byte) error { return decodeObject(data, dv) }
func (l *Location) UnmarshalJSON(data []byte) error { return decodeObject(data, l) }
func (p *Period) UnmarshalJSON(data []byte) error { return decodeObject(data, p) }
func (r *Rep) UnmarshalJSON(data []byte) error { return decodeObject(data, r) }

// decodeObject fills the json-tagged fields of the struct v points to from a
// JSON object. Keys must match the tag exactly; encoding/json on its own
// folds case, so "VALUE" would satisfy "value". A JSON null leaves v as is.
func decodeObject(data []byte, v any) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	rv := reflect.ValueOf(v).Elem()
	rt := rv.Type()
	for i := range rt.NumField() {
		name, _, _ := strings.Cut(rt.Field(i).Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		raw, ok := fields[name]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, rv.Field(i).Addr().Interface()); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Decode parses raw DataPoint JSON into a Document and checks that every
// node the series needs is present. Wrong JSON types and missing nodes both
// fail with ErrStructure.
func Decode(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("%w: decode: %w", ErrStructure, err)
	}
	if err := validate.Struct(doc); err != nil {
		return Document{}, structureError(err)
	}
	return doc, nil
}

// RepCount returns the number of Rep nodes across all periods.
func (d Document) RepCount() int {
	n := 0
	for _, p := range d.periods() {
		n += len(p.Reps)
	}
	return n
}

// LocationID returns the DataPoint site id, or "" for an undecoded document.
func (d Document) LocationID() string {
	if d.SiteRep == nil || d.SiteRep.DV == nil || d.SiteRep.DV.Location == nil {
		return ""
	}
	return d.SiteRep.DV.Location.ID
}

func (d Document) periods() []Period {
	if d.SiteRep == nil || d.SiteRep.DV == nil || d.SiteRep.DV.Location == nil {
		return nil
	}
	return d.SiteRep.DV.Location.Periods
}

func newValidator() *validator.Validate {
	v := validator.New()
	// Report JSON names so errors point at document paths, e.g. "Period[0].value".
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func structureError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("%w: %w", ErrStructure, err)
	}
	missing := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		// Drop the leading Go type name ("Document.").
		_, path, _ := strings.Cut(fe.Namespace(), ".")
		missing = append(missing, path)
	}
	return fmt.Errorf("%w: missing %s", ErrStructure, strings.Join(missing, ", "))
}
