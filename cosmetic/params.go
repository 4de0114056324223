package cosmetic

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/lucasb-eyer/go-colorful"

	apperrors "github.com/Skryldev/idphoto/errors"
)

var validate = validator.New()

// Color is an RGB tint with channels in [0, 1].  It travels as "#rrggbb" in
// JSON.
type Color struct {
	R, G, B float64
}

// ParseColor parses "#rrggbb" or "#rgb".
func ParseColor(hex string) (Color, error) {
	c, err := colorful.Hex(hex)
	if err != nil {
		return Color{}, apperrors.New(apperrors.CategoryInput, "cosmetic.color", err)
	}
	return Color{R: c.R, G: c.G, B: c.B}, nil
}

func mustColor(hex string) Color {
	c, err := ParseColor(hex)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Color) colorful() colorful.Color { return colorful.Color{R: c.R, G: c.G, B: c.B} }

// Hex formats c as "#rrggbb".
func (c Color) Hex() string { return c.colorful().Clamped().Hex() }

func (c Color) MarshalJSON() ([]byte, error) { return json.Marshal(c.Hex()) }

func (c *Color) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseColor(s)
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Point is a position in source pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Params drives every render.  Zero intensities disable their pass.
type Params struct {
	Brightness      float64 `json:"brightness" validate:"gte=-50,lte=50"`
	Contrast        float64 `json:"contrast" validate:"gte=-50,lte=50"`
	SmoothIntensity float64 `json:"smoothIntensity" validate:"gte=0,lte=100"`
	LipColor        Color   `json:"lipColor"`
	LipIntensity    float64 `json:"lipIntensity" validate:"gte=0,lte=100"`
	BlushColor      Color   `json:"blushColor"`
	BlushIntensity  float64 `json:"blushIntensity" validate:"gte=0,lte=100"`
	EyeEnlarge      float64 `json:"eyeEnlarge" validate:"gte=100,lte=130"`
	BlemishPoints   []Point `json:"blemishPoints"`
}

var (
	defaultLip   = mustColor("#dc5050")
	defaultBlush = mustColor("#ff9696")
)

// DefaultParams is the neutral setting: the render equals the source except
// for rounding.
func DefaultParams() Params {
	return Params{
		LipColor:   defaultLip,
		BlushColor: defaultBlush,
		EyeEnlarge: 100,
	}
}

// Validate checks every range.
func (p Params) Validate() error {
	if err := validate.Struct(p); err != nil {
		return apperrors.New(apperrors.CategoryInput, "cosmetic.params", err)
	}
	return nil
}

func (p Params) clone() Params {
	p.BlemishPoints = append([]Point(nil), p.BlemishPoints...)
	return p
}

// Key names a single parameter for SetParam and Update.
type Key string

const (
	KeyBrightness      Key = "brightness"
	KeyContrast        Key = "contrast"
	KeySmoothIntensity Key = "smoothIntensity"
	KeyLipColor        Key = "lipColor"
	KeyLipIntensity    Key = "lipIntensity"
	KeyBlushColor      Key = "blushColor"
	KeyBlushIntensity  Key = "blushIntensity"
	KeyEyeEnlarge      Key = "eyeEnlarge"
	KeyBlemishPoints   Key = "blemishPoints"
)

var numericRules = map[Key]string{
	KeyBrightness:      "gte=-50,lte=50",
	KeyContrast:        "gte=-50,lte=50",
	KeySmoothIntensity: "gte=0,lte=100",
	KeyLipIntensity:    "gte=0,lte=100",
	KeyBlushIntensity:  "gte=0,lte=100",
	KeyEyeEnlarge:      "gte=100,lte=130",
}

// With returns a copy of p with key set to value.  Numbers may arrive as any
// numeric type or a numeric string; colours as "#rrggbb" or Color; blemish
// points as []Point.
func (p Params) With(key Key, value any) (Params, error) {
	const op = "cosmetic.set_param"
	out := p.clone()

	if rule, ok := numericRules[key]; ok {
		f, err := toFloat(value)
		if err != nil {
			return p, apperrors.New(apperrors.CategoryInput, op, fmt.Errorf("%s: %w", key, err))
		}
		if err := validate.Var(f, rule); err != nil {
			return p, apperrors.New(apperrors.CategoryInput, op, fmt.Errorf("%s: %w", key, err))
		}
		switch key {
		case KeyBrightness:
			out.Brightness = f
		case KeyContrast:
			out.Contrast = f
		case KeySmoothIntensity:
			out.SmoothIntensity = f
		case KeyLipIntensity:
			out.LipIntensity = f
		case KeyBlushIntensity:
			out.BlushIntensity = f
		case KeyEyeEnlarge:
			out.EyeEnlarge = f
		}
		return out, nil
	}

	switch key {
	case KeyLipColor, KeyBlushColor:
		c, err := toColor(value)
		if err != nil {
			return p, apperrors.New(apperrors.CategoryInput, op, fmt.Errorf("%s: %w", key, err))
		}
		if key == KeyLipColor {
			out.LipColor = c
		} else {
			out.BlushColor = c
		}
	case KeyBlemishPoints:
		pts, ok := value.([]Point)
		if !ok {
			return p, apperrors.New(apperrors.CategoryInput, op, fmt.Errorf("%s: want []Point, got %T", key, value))
		}
		out.BlemishPoints = append([]Point(nil), pts...)
	default:
		return p, apperrors.New(apperrors.CategoryInput, op, fmt.Errorf("unknown parameter %q", key))
	}
	return out, nil
}

// Apply folds every change into a copy of p, in key order.  The first invalid
// change is returned and p is left as it was.
func (p Params) Apply(changes map[Key]any) (Params, error) {
	keys := make([]Key, 0, len(changes))
	for k := range changes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := p
	for _, k := range keys {
		next, err := out.With(k, changes[k])
		if err != nil {
			return p, err
		}
		out = next
	}
	return out.clone(), nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(n, 64)
	}
	return 0, fmt.Errorf("not a number: %T", v)
}

func toColor(v any) (Color, error) {
	switch c := v.(type) {
	case Color:
		return c, nil
	case string:
		return ParseColor(c)
	}
	return Color{}, fmt.Errorf("not a colour: %T", v)
}
