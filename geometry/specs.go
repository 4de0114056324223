package geometry

import (
	"math"
	"sort"
)

// DPI is the print resolution every spec is rendered at.
const DPI = 300

// PrintSpec is a physical photo format.
type PrintSpec struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	WidthMM   float64 `json:"width_mm"`
	HeightMM  float64 `json:"height_mm"`
	HeadMM    float64 `json:"head_mm"`
	TopMargin float64 `json:"top_margin_mm"`
	// ChinRange is the accepted head height, top of head to chin, in mm.
	ChinRange [2]float64 `json:"chin_range_mm"`
}

// Target is the pixel layout a transform is solved against.
type Target struct {
	CanvasW   int     `json:"canvas_w"`
	CanvasH   int     `json:"canvas_h"`
	HeadPx    float64 `json:"head_px"`
	TopMargin float64 `json:"top_margin_px"`
}

// LegacyTarget is the fixed 413×531 canvas used when no spec is selected.
var LegacyTarget = Target{CanvasW: 413, CanvasH: 531, HeadPx: 402, TopMargin: 40}

var builtin = map[string]PrintSpec{
	"passport": {ID: "passport", Name: "Passport", WidthMM: 35, HeightMM: 45, HeadMM: 34, TopMargin: 4.5, ChinRange: [2]float64{32, 36}},
	"resume":   {ID: "resume", Name: "Resume", WidthMM: 42, HeightMM: 47, HeadMM: 28, TopMargin: 5, ChinRange: [2]float64{25, 31}},
	"inch1":    {ID: "inch1", Name: "1 inch", WidthMM: 28, HeightMM: 35, HeadMM: 22, TopMargin: 3.5, ChinRange: [2]float64{20, 24}},
	"visa_us":  {ID: "visa_us", Name: "US visa", WidthMM: 51, HeightMM: 51, HeadMM: 30, TopMargin: 10, ChinRange: [2]float64{25, 35}},
}

// Lookup returns the built-in spec with the given id.
func Lookup(id string) (PrintSpec, bool) {
	s, ok := builtin[id]
	return s, ok
}

// Specs lists the built-in specs ordered by id.
func Specs() []PrintSpec {
	out := make([]PrintSpec, 0, len(builtin))
	for _, s := range builtin {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func mmToPx(mm float64) float64 { return math.Round(mm / 25.4 * DPI) }

// TargetFor converts a spec to pixels at DPI.
func TargetFor(s PrintSpec) Target {
	return Target{
		CanvasW:   int(mmToPx(s.WidthMM)),
		CanvasH:   int(mmToPx(s.HeightMM)),
		HeadPx:    mmToPx(s.HeadMM),
		TopMargin: mmToPx(s.TopMargin),
	}
}

// TargetByID resolves id to a Target; unknown or empty ids give LegacyTarget.
func TargetByID(id string) Target {
	if s, ok := Lookup(id); ok {
		return TargetFor(s)
	}
	return LegacyTarget
}

// Aspect is width over height.
func (t Target) Aspect() float64 { return float64(t.CanvasW) / float64(t.CanvasH) }
