package main

import (
	"encoding/json"
	"fmt"
	"math"
	"math/bits"
)

// Central transformation configuration.
// Every component reads its parameter bounds from here so sliders, previews
// and estimates agree on the same numbers.

// Transformation kinds
const (
	KindRotate     = "rotate"
	KindShear      = "shear"
	KindBrightness = "brightness"
	KindContrast   = "contrast"
	KindBlur       = "blur"
	KindHue        = "hue"
	KindSaturation = "saturation"
	KindGamma      = "gamma"
	KindResize     = "resize"
	KindFlip       = "flip"
)

// ParameterRange holds the slider bounds for a scalar transformation
type ParameterRange struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Default float64 `json:"default"`
	Step    float64 `json:"step"`
}

// DimensionRange holds pixel bounds for one resize axis (no step)
type DimensionRange struct {
	Min     int `json:"min"`
	Max     int `json:"max"`
	Default int `json:"default"`
}

// ResizeRange holds the width and height bounds for resize
type ResizeRange struct {
	Width  DimensionRange `json:"width"`
	Height DimensionRange `json:"height"`
}

// DualValueRange is a signed delta range around zero used for auto-generation
type DualValueRange struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Step    float64 `json:"step"`
	Default float64 `json:"default"`
}

var (
	shearRange      = ParameterRange{Min: -30, Max: 30, Default: 0, Step: 0.1}
	rotationRange   = ParameterRange{Min: -180, Max: 180, Default: 0, Step: 0.1}
	brightnessRange = ParameterRange{Min: 0.5, Max: 1.5, Default: 1.0, Step: 0.01}
	contrastRange   = ParameterRange{Min: 0.5, Max: 1.5, Default: 1.0, Step: 0.01}
	blurRange       = ParameterRange{Min: 0.5, Max: 20.0, Default: 2.0, Step: 0.1}
	hueRange        = ParameterRange{Min: -30, Max: 30, Default: 0, Step: 0.1}
	saturationRange = ParameterRange{Min: 0.5, Max: 1.5, Default: 1.0, Step: 0.01}
	gammaRange      = ParameterRange{Min: 0.5, Max: 2.0, Default: 1.0, Step: 0.01}

	resizeRange = ResizeRange{
		Width:  DimensionRange{Min: 64, Max: 4096, Default: 640},
		Height: DimensionRange{Min: 64, Max: 4096, Default: 640},
	}

	scalarRanges = map[string]ParameterRange{
		KindShear:      shearRange,
		KindRotate:     rotationRange,
		KindBrightness: brightnessRange,
		KindContrast:   contrastRange,
		KindBlur:       blurRange,
		KindHue:        hueRange,
		KindSaturation: saturationRange,
		KindGamma:      gammaRange,
	}

	dualValueRanges = map[string]DualValueRange{
		KindRotate:     {Min: -180, Max: 180, Step: 0.1, Default: 0},
		KindHue:        {Min: -30, Max: 30, Step: 0.1, Default: 0},
		KindShear:      {Min: -30, Max: 30, Step: 0.1, Default: 0},
		KindBrightness: {Min: -0.5, Max: 0.5, Step: 0.01, Default: 0},
		KindContrast:   {Min: -0.5, Max: 0.5, Step: 0.01, Default: 0},
	}
)

// Transformation categories, in declaration order
var (
	symmetricTransformations = []string{
		KindRotate, KindBrightness, KindContrast, KindShear, KindHue, KindSaturation, KindGamma,
	}
	// User picks one value, the opposite one is generated
	dualValueTransformations = []string{
		KindRotate, KindHue, KindShear, KindBrightness, KindContrast,
	}
	basicTransformations = []string{
		KindResize, KindRotate, KindFlip, KindBrightness, KindContrast, KindBlur,
	}
	advancedTransformations = []string{
		KindShear, KindHue, KindSaturation, KindGamma,
	}

	symmetricSet = toSet(symmetricTransformations)
	dualValueSet = toSet(dualValueTransformations)
	basicSet     = toSet(basicTransformations)
	advancedSet  = toSet(advancedTransformations)
)

func toSet(kinds []string) map[string]struct{} {
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return set
}

// ShearParameters returns the shear angle range in degrees
func ShearParameters() ParameterRange { return shearRange }

// RotationParameters returns the rotation angle range in degrees
func RotationParameters() ParameterRange { return rotationRange }

// BrightnessParameters returns the brightness factor range
func BrightnessParameters() ParameterRange { return brightnessRange }

// ContrastParameters returns the contrast factor range
func ContrastParameters() ParameterRange { return contrastRange }

// BlurParameters returns the blur radius range
func BlurParameters() ParameterRange { return blurRange }

// HueParameters returns the hue shift range
func HueParameters() ParameterRange { return hueRange }

// SaturationParameters returns the saturation factor range
func SaturationParameters() ParameterRange { return saturationRange }

// GammaParameters returns the gamma range
func GammaParameters() ParameterRange { return gammaRange }

// ResizeParameters returns the width and height bounds in pixels
func ResizeParameters() ResizeRange { return resizeRange }

// Parameters looks up the range for a scalar kind. Resize and flip are not scalar.
func Parameters(kind string) (ParameterRange, bool) {
	r, ok := scalarRanges[kind]
	return r, ok
}

// IsDualValueTransformation reports whether kind supports the dual-value system
func IsDualValueTransformation(kind string) bool {
	_, ok := dualValueSet[kind]
	return ok
}

// IsKnownTransformation reports whether kind is one of the named transformation kinds
func IsKnownTransformation(kind string) bool {
	if _, ok := scalarRanges[kind]; ok {
		return true
	}
	return kind == KindResize || kind == KindFlip
}

// IsSymmetricTransformation reports whether kind accepts negative values
func IsSymmetricTransformation(kind string) bool {
	_, ok := symmetricSet[kind]
	return ok
}

// IsBasicTransformation reports whether kind is in the basic set
func IsBasicTransformation(kind string) bool {
	_, ok := basicSet[kind]
	return ok
}

// IsAdvancedTransformation reports whether kind is in the advanced set
func IsAdvancedTransformation(kind string) bool {
	_, ok := advancedSet[kind]
	return ok
}

// SymmetricTransformations returns a copy of the symmetric kinds
func SymmetricTransformations() []string { return append([]string(nil), symmetricTransformations...) }

// DualValueTransformations returns a copy of the dual-value kinds
func DualValueTransformations() []string { return append([]string(nil), dualValueTransformations...) }

// BasicTransformations returns a copy of the basic kinds
func BasicTransformations() []string { return append([]string(nil), basicTransformations...) }

// AdvancedTransformations returns a copy of the advanced kinds
func AdvancedTransformations() []string { return append([]string(nil), advancedTransformations...) }

// DualValueRangeFor returns the signed delta range of a dual-value kind.
// The second result is false for every other kind, including valid ones like blur.
func DualValueRangeFor(kind string) (DualValueRange, bool) {
	r, ok := dualValueRanges[kind]
	return r, ok
}

// GenerateAutoValue returns the opposite of userValue for dual-value kinds
// and userValue unchanged otherwise. The result is not clamped.
func GenerateAutoValue(kind string, userValue float64) float64 {
	if !IsDualValueTransformation(kind) {
		return userValue
	}
	return -userValue
}

// TransformationRequest is one entry of a transformation list sent by a caller
type TransformationRequest struct {
	TransformationType string `json:"transformation_type"`
	// nil means the flag was absent, which counts as enabled
	Enabled *bool `json:"enabled,omitempty"`
}

// UnmarshalJSON accepts both transformation_type and the older tool_type field.
// transformation_type wins when both are set. An explicit "enabled": null
// disables the entry; only a missing flag defaults to enabled.
func (t *TransformationRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		TransformationType string          `json:"transformation_type"`
		ToolType           string          `json:"tool_type"`
		Enabled            json.RawMessage `json:"enabled"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t.TransformationType = raw.TransformationType
	if t.TransformationType == "" {
		t.TransformationType = raw.ToolType
	}

	t.Enabled = nil
	switch {
	case len(raw.Enabled) == 0:
	case string(raw.Enabled) == "null":
		disabled := false
		t.Enabled = &disabled
	default:
		var enabled bool
		if err := json.Unmarshal(raw.Enabled, &enabled); err != nil {
			return fmt.Errorf("enabled: %w", err)
		}
		t.Enabled = &enabled
	}
	return nil
}

// IsEnabled treats a missing flag as enabled
func (t TransformationRequest) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// ImageCountEstimate is the per-original output estimate shown in the UI
type ImageCountEstimate struct {
	Min            int  `json:"min"`
	Max            int  `json:"max"`
	HasDualValue   bool `json:"has_dual_value"`
	DualValueCount int  `json:"dual_value_count"`
	RegularCount   int  `json:"regular_count"`

	// set when the input list was non-empty; the counts are only reported then
	counted bool
}

// MarshalJSON omits the counts for an empty input list and always
// includes them otherwise, even when zero.
func (e ImageCountEstimate) MarshalJSON() ([]byte, error) {
	if !e.counted {
		return json.Marshal(struct {
			Min          int  `json:"min"`
			Max          int  `json:"max"`
			HasDualValue bool `json:"has_dual_value"`
		}{e.Min, e.Max, e.HasDualValue})
	}
	type counts ImageCountEstimate
	return json.Marshal(counts(e))
}

// CalculateMaxImagesPerOriginal estimates the minimum guaranteed and maximum
// possible number of images generated per original image.
//
// With dual-value kinds enabled the maximum is min + 2^dual + regular. This is
// a display heuristic, not a combinatorial bound; keep it as is.
func CalculateMaxImagesPerOriginal(transformations []TransformationRequest) ImageCountEstimate {
	if len(transformations) == 0 {
		return ImageCountEstimate{Min: 1, Max: 1}
	}

	dualValueCount := 0
	regularCount := 0
	for _, t := range transformations {
		if !t.IsEnabled() {
			continue
		}
		if IsDualValueTransformation(t.TransformationType) {
			dualValueCount++
		} else {
			regularCount++
		}
	}

	if dualValueCount > 0 {
		// user value + auto value for each dual-value kind
		minImages := 2 * dualValueCount
		maxImages := saturatingAdd(saturatingAdd(minImages, pow2(dualValueCount)), regularCount)
		return ImageCountEstimate{
			Min:            minImages,
			Max:            maxImages,
			HasDualValue:   true,
			DualValueCount: dualValueCount,
			RegularCount:   regularCount,
			counted:        true,
		}
	}

	images := 1
	if regularCount > 0 {
		images = pow2(regularCount)
	}
	return ImageCountEstimate{
		Min:          images,
		Max:          images,
		RegularCount: regularCount,
		counted:      true,
	}
}

// pow2 returns 2^n, saturating at math.MaxInt
func pow2(n int) int {
	if n >= bits.UintSize-1 {
		return math.MaxInt
	}
	return 1 << n
}

// saturatingAdd returns a+b, saturating at math.MaxInt
func saturatingAdd(a, b int) int {
	if a > math.MaxInt-b {
		return math.MaxInt
	}
	return a + b
}

// Contains reports whether v lies within [Min, Max]
func (r ParameterRange) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Clamp limits v to [Min, Max]
func (r ParameterRange) Clamp(v float64) float64 {
	return math.Max(r.Min, math.Min(r.Max, v))
}

// Snap clamps v and rounds it to the nearest step counted from Min
func (r ParameterRange) Snap(v float64) float64 {
	v = r.Clamp(v)
	if r.Step <= 0 {
		return v
	}
	steps := math.Round((v - r.Min) / r.Step)
	// round away float noise like 0.30000000000000004
	snapped := math.Round((r.Min+steps*r.Step)*1e6) / 1e6
	return r.Clamp(snapped)
}

// Clamp limits v to the signed delta range
func (r DualValueRange) Clamp(v float64) float64 {
	return math.Max(r.Min, math.Min(r.Max, v))
}

// Clamp limits a pixel size to [Min, Max]
func (r DimensionRange) Clamp(v int) int {
	if v < r.Min {
		return r.Min
	}
	if v > r.Max {
		return r.Max
	}
	return v
}

// ParameterTableSnapshot is everything a UI needs to build its sliders
type ParameterTableSnapshot struct {
	Parameters map[string]ParameterRange `json:"parameters"`
	Resize     ResizeRange               `json:"resize"`
	DualValue  map[string]DualValueRange `json:"dual_value_ranges"`
	Symmetric  []string                  `json:"symmetric_transformations"`
	DualKinds  []string                  `json:"dual_value_transformations"`
	Basic      []string                  `json:"basic_transformations"`
	Advanced   []string                  `json:"advanced_transformations"`
}

// ParameterTable returns a copy of the whole table
func ParameterTable() ParameterTableSnapshot {
	params := make(map[string]ParameterRange, len(scalarRanges))
	for k, v := range scalarRanges {
		params[k] = v
	}
	dual := make(map[string]DualValueRange, len(dualValueRanges))
	for k, v := range dualValueRanges {
		dual[k] = v
	}
	return ParameterTableSnapshot{
		Parameters: params,
		Resize:     resizeRange,
		DualValue:  dual,
		Symmetric:  SymmetricTransformations(),
		DualKinds:  DualValueTransformations(),
		Basic:      BasicTransformations(),
		Advanced:   AdvancedTransformations(),
	}
}
