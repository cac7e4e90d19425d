package aqi

import (
	"testing"

	"airguard/internal/model"
)

func TestPM25BandBoundary(t *testing.T) {
	res, ok := Calculate(map[model.Pollutant]float64{model.PM25: 35.4})
	if !ok {
		t.Fatalf("expected result")
	}
	if res.AQI != 100 {
		t.Fatalf("aqi: got %d want 100", res.AQI)
	}
	if res.Category != model.CategoryModerate {
		t.Fatalf("category: %s", res.Category)
	}
	if res.Dominant != model.PM25 {
		t.Fatalf("dominant: %s", res.Dominant)
	}
}

func TestWorstPollutantGoverns(t *testing.T) {
	pm25, _ := Index(model.PM25, 12.0)
	pm10, _ := Index(model.PM10, 160)
	res, ok := Calculate(map[model.Pollutant]float64{model.PM25: 12.0, model.PM10: 160})
	if !ok {
		t.Fatalf("expected result")
	}
	want := pm25
	dominant := model.PM25
	if pm10 > pm25 {
		want = pm10
		dominant = model.PM10
	}
	if res.AQI != want || res.Dominant != dominant {
		t.Fatalf("got %d/%s want %d/%s", res.AQI, res.Dominant, want, dominant)
	}
	if pm25 != 50 || pm10 != 103 {
		t.Fatalf("sub-indices: pm25=%d pm10=%d", pm25, pm10)
	}
	if res.PerPollutant[model.PM10] != 103 {
		t.Fatalf("per pollutant: %+v", res.PerPollutant)
	}
}

func TestMonotonicWithinRange(t *testing.T) {
	steps := map[model.Pollutant]float64{
		model.PM25: 0.05,
		model.PM10: 0.5,
		model.O3:   0.0005,
		model.CO:   0.05,
		model.SO2:  0.5,
		model.NO2:  0.5,
	}
	for p, step := range steps {
		bands := Bands(p)
		top := bands[len(bands)-1].High
		prev := -1
		for v := 0.0; v <= top; v += step {
			idx, ok := Index(p, v)
			if !ok {
				t.Fatalf("%s: no index for %v", p, v)
			}
			if idx < prev {
				t.Fatalf("%s: index decreased at %v (%d < %d)", p, v, idx, prev)
			}
			prev = idx
		}
	}
}

func TestClampAboveHighestBand(t *testing.T) {
	idx, ok := Index(model.PM25, 900)
	if !ok || idx != MaxIndex {
		t.Fatalf("expected clamp to %d, got %d", MaxIndex, idx)
	}
	res, _ := Calculate(map[model.Pollutant]float64{model.PM25: 900})
	if res.Category != model.CategoryHazardous {
		t.Fatalf("category: %s", res.Category)
	}
}

func TestTruncationFillsGapsBetweenBands(t *testing.T) {
	idx, ok := Index(model.PM25, 12.05)
	if !ok || idx != 50 {
		t.Fatalf("12.05 should truncate into band 1, got %d", idx)
	}
}

func TestNoSupportedPollutants(t *testing.T) {
	if _, ok := Calculate(nil); ok {
		t.Fatalf("expected no result for empty input")
	}
	if _, ok := Calculate(map[model.Pollutant]float64{"humidity": 40}); ok {
		t.Fatalf("expected no result for unsupported pollutant")
	}
	if _, ok := Index(model.PM25, -1); ok {
		t.Fatalf("negative concentration must not produce an index")
	}
}

func TestTieBreakIsDeterministic(t *testing.T) {
	in := map[model.Pollutant]float64{model.PM25: 12.0, model.PM10: 54}
	for i := 0; i < 20; i++ {
		res, _ := Calculate(in)
		if res.AQI != 50 || res.Dominant != model.PM25 {
			t.Fatalf("tie break: %d/%s", res.AQI, res.Dominant)
		}
	}
}

func TestCategoryPartition(t *testing.T) {
	cases := map[int]model.Category{
		0:   model.CategoryGood,
		50:  model.CategoryGood,
		51:  model.CategoryModerate,
		100: model.CategoryModerate,
		150: model.CategoryUnhealthySensitive,
		200: model.CategoryUnhealthy,
		300: model.CategoryVeryUnhealthy,
		301: model.CategoryHazardous,
		500: model.CategoryHazardous,
	}
	for idx, want := range cases {
		if got := CategoryFor(idx); got != want {
			t.Fatalf("%d: got %s want %s", idx, got, want)
		}
	}
}
