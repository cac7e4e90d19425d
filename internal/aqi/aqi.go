// Package aqi converts pollutant concentrations into the 0-500 air quality
// index using piecewise linear interpolation over fixed breakpoint bands.
package aqi

import (
	"math"

	"airguard/internal/model"
)

// MaxIndex is the ceiling of the scale. Concentrations above a pollutant's
// highest band are clamped to it rather than extrapolated.
const MaxIndex = 500

type Band struct {
	Low       float64
	High      float64
	IndexLow  int
	IndexHigh int
}

type table struct {
	// decimals a concentration is truncated to before the band lookup, so
	// values between two bands (12.05) land in one of them.
	decimals int
	bands    []Band
}

// Units: pm25/pm10 µg/m³, o3 ppm (8h), co ppm, so2/no2 ppb.
var tables = map[model.Pollutant]table{
	model.PM25: {decimals: 1, bands: []Band{
		{0.0, 12.0, 0, 50},
		{12.1, 35.4, 51, 100},
		{35.5, 55.4, 101, 150},
		{55.5, 150.4, 151, 200},
		{150.5, 250.4, 201, 300},
		{250.5, 350.4, 301, 400},
		{350.5, 500.4, 401, 500},
	}},
	model.PM10: {decimals: 0, bands: []Band{
		{0, 54, 0, 50},
		{55, 154, 51, 100},
		{155, 254, 101, 150},
		{255, 354, 151, 200},
		{355, 424, 201, 300},
		{425, 504, 301, 400},
		{505, 604, 401, 500},
	}},
	model.O3: {decimals: 3, bands: []Band{
		{0.000, 0.054, 0, 50},
		{0.055, 0.070, 51, 100},
		{0.071, 0.085, 101, 150},
		{0.086, 0.105, 151, 200},
		{0.106, 0.404, 201, 300},
		{0.405, 0.504, 301, 400},
		{0.505, 0.604, 401, 500},
	}},
	model.CO: {decimals: 1, bands: []Band{
		{0.0, 4.4, 0, 50},
		{4.5, 9.4, 51, 100},
		{9.5, 12.4, 101, 150},
		{12.5, 15.4, 151, 200},
		{15.5, 30.4, 201, 300},
		{30.5, 40.4, 301, 400},
		{40.5, 50.4, 401, 500},
	}},
	model.SO2: {decimals: 0, bands: []Band{
		{0, 35, 0, 50},
		{36, 75, 51, 100},
		{76, 185, 101, 150},
		{186, 304, 151, 200},
		{305, 604, 201, 300},
		{605, 804, 301, 400},
		{805, 1004, 401, 500},
	}},
	model.NO2: {decimals: 0, bands: []Band{
		{0, 53, 0, 50},
		{54, 100, 51, 100},
		{101, 360, 101, 150},
		{361, 649, 151, 200},
		{650, 1249, 201, 300},
		{1250, 1649, 301, 400},
		{1650, 2049, 401, 500},
	}},
}

type Result struct {
	AQI          int                     `json:"aqi"`
	Category     model.Category          `json:"category"`
	Dominant     model.Pollutant         `json:"dominant"`
	PerPollutant map[model.Pollutant]int `json:"per_pollutant"`
}

// Calculate returns the overall index for a set of concentrations: the
// maximum sub-index across supported pollutants. Ties go to the pollutant
// listed first in model.Pollutants. ok is false when no supported pollutant
// with a usable value is present.
func Calculate(concentrations map[model.Pollutant]float64) (Result, bool) {
	res := Result{AQI: -1, PerPollutant: make(map[model.Pollutant]int, len(concentrations))}
	for _, p := range model.Pollutants {
		v, present := concentrations[p]
		if !present {
			continue
		}
		idx, ok := Index(p, v)
		if !ok {
			continue
		}
		res.PerPollutant[p] = idx
		if idx > res.AQI {
			res.AQI = idx
			res.Dominant = p
		}
	}
	if res.AQI < 0 {
		return Result{}, false
	}
	res.Category = CategoryFor(res.AQI)
	return res, true
}

// Index computes the sub-index for a single pollutant.
func Index(p model.Pollutant, value float64) (int, bool) {
	t, ok := tables[p]
	if !ok || math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
		return 0, false
	}
	c := truncate(value, t.decimals)
	for _, b := range t.bands {
		if c > b.High {
			continue
		}
		if c < b.Low {
			c = b.Low
		}
		return interpolate(b, c), true
	}
	top := t.bands[len(t.bands)-1]
	return top.IndexHigh, true
}

func CategoryFor(index int) model.Category {
	switch {
	case index <= 50:
		return model.CategoryGood
	case index <= 100:
		return model.CategoryModerate
	case index <= 150:
		return model.CategoryUnhealthySensitive
	case index <= 200:
		return model.CategoryUnhealthy
	case index <= 300:
		return model.CategoryVeryUnhealthy
	default:
		return model.CategoryHazardous
	}
}

// Bands exposes a copy of a pollutant's breakpoint table.
func Bands(p model.Pollutant) []Band {
	t, ok := tables[p]
	if !ok {
		return nil
	}
	return append([]Band(nil), t.bands...)
}

func interpolate(b Band, c float64) int {
	if b.High == b.Low {
		return b.IndexHigh
	}
	slope := float64(b.IndexHigh-b.IndexLow) / (b.High - b.Low)
	return int(math.Round(slope*(c-b.Low) + float64(b.IndexLow)))
}

func truncate(v float64, decimals int) float64 {
	scale := math.Pow10(decimals)
	return math.Floor(v*scale+1e-9) / scale
}
