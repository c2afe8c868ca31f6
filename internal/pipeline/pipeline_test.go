package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tempmonitor/forecast-etl/internal/domain"
	"github.com/tempmonitor/forecast-etl/internal/observability"
	"github.com/tempmonitor/forecast-etl/internal/pipeline"
	"github.com/tempmonitor/forecast-etl/internal/store"
)

// --- fakes ---

type fakeSource struct {
	data  []byte
	err   error
	calls int
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Fetch(_ context.Context) ([]byte, error) {
	f.calls++
	return f.data, f.err
}

type fakePublisher struct {
	st         *store.Store
	locationID string
	published  []domain.Reading
	rowsSeen   int
	err        error
}

func (f *fakePublisher) Publish(ctx context.Context, locationID string, readings []domain.Reading) error {
	f.locationID = locationID
	f.published = append(f.published, readings...)
	if f.st != nil {
		n, err := f.st.Count(ctx)
		if err != nil {
			return err
		}
		f.rowsSeen = n
	}
	return f.err
}

// --- helpers ---

const twoByTwoDoc = `{"SiteRep":{"DV":{"type":"Forecast","Location":{"i":"310012","name":"KESWICK","Period":[
	{"type":"Day","value":"2016-01-01Z","Rep":[{"$":"900","F":"4"},{"$":"1080","F":"-2"}]},
	{"type":"Day","value":"2016-01-02Z","Rep":[{"$":"0","F":"-3"},{"$":"180","F":"-5"}]}
]}}}}`

// Third rep has a non-numeric temperature.
const badFormatDoc = `{"SiteRep":{"DV":{"Location":{"i":"310012","Period":[
	{"value":"2016-01-01Z","Rep":[{"$":"900","F":"4"},{"$":"1080","F":"-2"},{"$":"1260","F":"warm"}]}
]}}}}`

var ingestedAt = time.Date(2016, time.January, 1, 12, 34, 56, 0, time.UTC)

func useFakeClock(t *testing.T) {
	t.Helper()
	domain.SetClock(clockwork.NewFakeClockAt(ingestedAt))
	t.Cleanup(func() { domain.SetClock(nil) })
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), store.Options{
		Path:        filepath.Join(t.TempDir(), "forecast.db"),
		BusyTimeout: time.Second,
	}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func rowReadings(t *testing.T, st *store.Store) []domain.Reading {
	t.Helper()
	rows, err := st.Readings(context.Background())
	require.NoError(t, err)
	out := make([]domain.Reading, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Reading)
	}
	return out
}

func readFixture() ([]byte, error) {
	return os.ReadFile(filepath.Join("..", "..", "testdata", "response.json"))
}

func sampleCount(t *testing.T, h prometheus.Histogram) uint64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, h.Write(&m))
	return m.GetHistogram().GetSampleCount()
}

func at(day, hour int) time.Time {
	return time.Date(2016, time.January, day, hour, 0, 0, 0, time.UTC)
}

// --- tests ---

func TestPipeline_Run_HappyPath(t *testing.T) {
	useFakeClock(t)
	st := openStore(t)
	metrics := observability.NewMetricsForTesting()
	src := &fakeSource{data: []byte(twoByTwoDoc)}

	p := pipeline.New(src, st, nil, discardLogger(), metrics)
	require.Error(t, p.CheckReadiness(context.Background()))

	res, err := p.Run(context.Background(), pipeline.Options{})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Inserted)
	assert.Equal(t, ingestedAt, res.IngestedAt)

	want := []domain.Reading{
		{ObservationTime: at(1, 15), Temperature: 4, IngestionTime: ingestedAt},
		{ObservationTime: at(1, 18), Temperature: -2, IngestionTime: ingestedAt},
		{ObservationTime: at(2, 0), Temperature: -3, IngestionTime: ingestedAt},
		{ObservationTime: at(2, 3), Temperature: -5, IngestionTime: ingestedAt},
	}
	if diff := cmp.Diff(want, rowReadings(t, st)); diff != "" {
		t.Fatalf("stored readings mismatch (-want +got):\n%s", diff)
	}

	assert.NoError(t, p.CheckReadiness(context.Background()))
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.RunsTotal.WithLabelValues("success")), 0)
	assert.InDelta(t, 4, testutil.ToFloat64(metrics.RowsInserted), 0)
	assert.InDelta(t, 4, testutil.ToFloat64(metrics.ReadingsParsed), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(metrics.PipelineRunning), 0)
}

func TestPipeline_Run_AppendsAcrossRuns(t *testing.T) {
	useFakeClock(t)
	st := openStore(t)
	src := &fakeSource{data: []byte(twoByTwoDoc)}
	p := pipeline.New(src, st, nil, discardLogger(), observability.NewMetricsForTesting())

	_, err := p.Run(context.Background(), pipeline.Options{})
	require.NoError(t, err)
	_, err = p.Run(context.Background(), pipeline.Options{})
	require.NoError(t, err)

	n, err := st.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, n)
}

func TestPipeline_Run_RecreateReplacesRows(t *testing.T) {
	useFakeClock(t)
	st := openStore(t)
	src := &fakeSource{data: []byte(twoByTwoDoc)}
	p := pipeline.New(src, st, nil, discardLogger(), observability.NewMetricsForTesting())

	_, err := p.Run(context.Background(), pipeline.Options{})
	require.NoError(t, err)

	res, err := p.Run(context.Background(), pipeline.Options{Recreate: true})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Inserted)

	n, err := st.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestPipeline_Run_FormatErrorLeavesTableUnchanged(t *testing.T) {
	useFakeClock(t)
	st := openStore(t)
	metrics := observability.NewMetricsForTesting()
	src := &fakeSource{data: []byte(twoByTwoDoc)}
	p := pipeline.New(src, st, nil, discardLogger(), metrics)

	_, err := p.Run(context.Background(), pipeline.Options{})
	require.NoError(t, err)
	before := rowReadings(t, st)

	src.data = []byte(badFormatDoc)
	_, err = p.Run(context.Background(), pipeline.Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrFormat)
	assert.Contains(t, err.Error(), "period 0 rep 2")

	assert.Equal(t, before, rowReadings(t, st))
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.RunsTotal.WithLabelValues("error")), 0)
	assert.Equal(t, uint64(2), sampleCount(t, metrics.RunDuration), "failed runs are timed too")
}

func TestPipeline_Run_FailedRecreateKeepsOldRows(t *testing.T) {
	useFakeClock(t)
	st := openStore(t)
	src := &fakeSource{data: []byte(twoByTwoDoc)}
	p := pipeline.New(src, st, nil, discardLogger(), observability.NewMetricsForTesting())

	_, err := p.Run(context.Background(), pipeline.Options{})
	require.NoError(t, err)

	src.data = []byte(badFormatDoc)
	_, err = p.Run(context.Background(), pipeline.Options{Recreate: true})
	require.ErrorIs(t, err, domain.ErrFormat)

	n, err := st.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestPipeline_Run_FormatErrorOnFreshStoreCreatesNoTable(t *testing.T) {
	useFakeClock(t)
	st := openStore(t)
	p := pipeline.New(&fakeSource{data: []byte(badFormatDoc)}, st, nil, discardLogger(), observability.NewMetricsForTesting())

	_, err := p.Run(context.Background(), pipeline.Options{})
	require.ErrorIs(t, err, domain.ErrFormat)

	exists, err := st.TableExists(context.Background())
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPipeline_Run_StructureError(t *testing.T) {
	useFakeClock(t)
	st := openStore(t)
	p := pipeline.New(&fakeSource{data: []byte(`{"SiteRep":{"DV":{}}}`)}, st, nil, discardLogger(), observability.NewMetricsForTesting())

	_, err := p.Run(context.Background(), pipeline.Options{})
	require.ErrorIs(t, err, domain.ErrStructure)
	assert.Error(t, p.CheckReadiness(context.Background()))

	exists, err := st.TableExists(context.Background())
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPipeline_Run_FetchError(t *testing.T) {
	useFakeClock(t)
	st := openStore(t)
	errDown := errors.New("datapoint unavailable")
	src := &fakeSource{err: errDown}
	p := pipeline.New(src, st, nil, discardLogger(), observability.NewMetricsForTesting())

	_, err := p.Run(context.Background(), pipeline.Options{})
	require.ErrorIs(t, err, errDown)
	assert.Contains(t, err.Error(), "fetch")
	assert.Equal(t, 1, src.calls)
}

func TestPipeline_Run_EmptyPeriodsCommitsEmptyTable(t *testing.T) {
	useFakeClock(t)
	st := openStore(t)
	doc := `{"SiteRep":{"DV":{"Location":{"i":"310012","Period":[{"value":"2016-01-01Z","Rep":[]}]}}}}`
	pub := &fakePublisher{}
	p := pipeline.New(&fakeSource{data: []byte(doc)}, st, pub, discardLogger(), observability.NewMetricsForTesting())

	res, err := p.Run(context.Background(), pipeline.Options{})
	require.NoError(t, err)
	assert.Zero(t, res.Inserted)
	assert.Empty(t, pub.published)

	exists, err := st.TableExists(context.Background())
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestPipeline_Run_PublishesAfterCommit(t *testing.T) {
	useFakeClock(t)
	st := openStore(t)
	metrics := observability.NewMetricsForTesting()
	pub := &fakePublisher{st: st}
	p := pipeline.New(&fakeSource{data: []byte(twoByTwoDoc)}, st, pub, discardLogger(), metrics)

	_, err := p.Run(context.Background(), pipeline.Options{})
	require.NoError(t, err)

	assert.Equal(t, "310012", pub.locationID)
	assert.Len(t, pub.published, 4)
	assert.Equal(t, 4, pub.rowsSeen, "rows must be visible when the publisher runs")
	assert.InDelta(t, 4, testutil.ToFloat64(metrics.ReadingsPublished), 0)
}

func TestPipeline_Run_PublishErrorKeepsCommittedRows(t *testing.T) {
	useFakeClock(t)
	st := openStore(t)
	metrics := observability.NewMetricsForTesting()
	errBroker := errors.New("broker down")
	pub := &fakePublisher{err: errBroker}
	p := pipeline.New(&fakeSource{data: []byte(twoByTwoDoc)}, st, pub, discardLogger(), metrics)

	res, err := p.Run(context.Background(), pipeline.Options{})
	require.ErrorIs(t, err, errBroker)
	assert.Equal(t, 4, res.Inserted)

	n, err := st.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.PublishErrors), 0)
	assert.NoError(t, p.CheckReadiness(context.Background()))
}

func TestPipeline_Run_Fixture(t *testing.T) {
	useFakeClock(t)
	st := openStore(t)
	src := &fakeSource{}
	var err error
	src.data, err = readFixture()
	require.NoError(t, err)

	p := pipeline.New(src, st, nil, discardLogger(), observability.NewMetricsForTesting())
	res, err := p.Run(context.Background(), pipeline.Options{})
	require.NoError(t, err)
	assert.Equal(t, 34, res.Inserted)

	got := rowReadings(t, st)
	require.Len(t, got, 34)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i].ObservationTime.After(got[i-1].ObservationTime), "row %d not after %d", i, i-1)
	}
}

func TestPipeline_LastRun(t *testing.T) {
	useFakeClock(t)
	st := openStore(t)
	p := pipeline.New(&fakeSource{data: []byte(twoByTwoDoc)}, st, nil, discardLogger(), observability.NewMetricsForTesting())

	_, ok := p.LastRun()
	assert.False(t, ok)

	_, err := p.Run(context.Background(), pipeline.Options{})
	require.NoError(t, err)

	last, ok := p.LastRun()
	require.True(t, ok)
	assert.Equal(t, pipeline.LastRun{LocationID: "310012", IngestedAt: ingestedAt, Rows: 4}, last)
}

func TestPipeline_CheckReadiness_Stale(t *testing.T) {
	clk := clockwork.NewFakeClockAt(ingestedAt)
	domain.SetClock(clk)
	t.Cleanup(func() { domain.SetClock(nil) })

	st := openStore(t)
	p := pipeline.New(&fakeSource{data: []byte(twoByTwoDoc)}, st, nil, discardLogger(), observability.NewMetricsForTesting())
	p.SetStaleAfter(time.Hour)

	_, err := p.Run(context.Background(), pipeline.Options{})
	require.NoError(t, err)
	assert.NoError(t, p.CheckReadiness(context.Background()))

	clk.Advance(time.Hour)
	assert.NoError(t, p.CheckReadiness(context.Background()))

	clk.Advance(time.Minute)
	err = p.CheckReadiness(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2016-01-01T12:34:56Z")
}
