package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// HSVRange is a named inclusive HSV range in the 8-bit convention
// (H in [0,179], S and V in [0,255]).
type HSVRange struct {
	Name  string `json:"name"`
	Lower [3]int `json:"lower"`
	Upper [3]int `json:"upper"`
}

// TuningConfig represents the root configuration for tuning parameters.
// Every field is optional; the Get* accessors supply the flight-tested
// defaults for anything omitted from the JSON file. The values are read once
// at startup and are immutable for the session.
type TuningConfig struct {
	// Target color (RGB) and per-channel HSV tolerances
	TargetRGB           *[3]int    `json:"target_rgb,omitempty"`
	HueTolerance        *int       `json:"hue_tolerance,omitempty"`
	SaturationTolerance *int       `json:"saturation_tolerance,omitempty"`
	ValueTolerance      *int       `json:"value_tolerance,omitempty"`
	DistractorBands     []HSVRange `json:"distractor_bands,omitempty"`

	// Mask smoothing and region scoring
	BlurKernelSize *int     `json:"blur_kernel_size,omitempty"`
	BlurSigma      *float64 `json:"blur_sigma,omitempty"`
	MinRegionArea  *float64 `json:"min_region_area,omitempty"`
	MinCircularity *float64 `json:"min_circularity,omitempty"`
	MinScore       *float64 `json:"min_score,omitempty"`
	FallbackToMask *bool    `json:"fallback_to_mask,omitempty"`
	VisionBackend  *string  `json:"vision_backend,omitempty"` // "native" or "gocv"

	// PD controller
	Kp             *float64 `json:"kp,omitempty"`
	Kd             *float64 `json:"kd,omitempty"`
	PixelTolerance *float64 `json:"pixel_tolerance,omitempty"`

	// Flight phase set points (metres)
	CruiseHeight *float64 `json:"cruise_height,omitempty"`
	LandHeight   *float64 `json:"land_height,omitempty"`
	InitX        *float64 `json:"init_x,omitempty"`
	InitY        *float64 `json:"init_y,omitempty"`

	// Safety box (metres, local frame)
	XMin *float64 `json:"x_min,omitempty"`
	XMax *float64 `json:"x_max,omitempty"`
	YMin *float64 `json:"y_min,omitempty"`
	YMax *float64 `json:"y_max,omitempty"`
	ZMin *float64 `json:"z_min,omitempty"`
	ZMax *float64 `json:"z_max,omitempty"`

	// Orchestration
	FrameID                 *string  `json:"frame_id,omitempty"`
	PoseStaleAfter          *string  `json:"pose_stale_after,omitempty"` // duration string like "500ms"
	SetpointRateHz          *float64 `json:"setpoint_rate_hz,omitempty"`
	RequireDetectionForTest *bool    `json:"require_detection_for_test,omitempty"`
	DetectionFreshWithin    *string  `json:"detection_fresh_within,omitempty"` // duration string like "1s"

	// Camera
	CaptureWidth    *int    `json:"capture_width,omitempty"`
	CaptureHeight   *int    `json:"capture_height,omitempty"`
	CaptureInterval *string `json:"capture_interval,omitempty"` // duration string like "10ms"
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a TuningConfig with every field populated from
// the built-in defaults. It matches config/tuning.defaults.json.
func DefaultTuningConfig() *TuningConfig {
	empty := EmptyTuningConfig()
	rgb := empty.GetTargetRGB()
	return &TuningConfig{
		TargetRGB:               &rgb,
		HueTolerance:            ptrInt(empty.GetHueTolerance()),
		SaturationTolerance:     ptrInt(empty.GetSaturationTolerance()),
		ValueTolerance:          ptrInt(empty.GetValueTolerance()),
		DistractorBands:         empty.GetDistractorBands(),
		BlurKernelSize:          ptrInt(empty.GetBlurKernelSize()),
		BlurSigma:               ptrFloat64(empty.GetBlurSigma()),
		MinRegionArea:           ptrFloat64(empty.GetMinRegionArea()),
		MinCircularity:          ptrFloat64(empty.GetMinCircularity()),
		MinScore:                ptrFloat64(empty.GetMinScore()),
		FallbackToMask:          ptrBool(empty.GetFallbackToMask()),
		VisionBackend:           ptrString(empty.GetVisionBackend()),
		Kp:                      ptrFloat64(empty.GetKp()),
		Kd:                      ptrFloat64(empty.GetKd()),
		PixelTolerance:          ptrFloat64(empty.GetPixelTolerance()),
		CruiseHeight:            ptrFloat64(empty.GetCruiseHeight()),
		LandHeight:              ptrFloat64(empty.GetLandHeight()),
		InitX:                   ptrFloat64(empty.GetInitX()),
		InitY:                   ptrFloat64(empty.GetInitY()),
		XMin:                    ptrFloat64(empty.GetXMin()),
		XMax:                    ptrFloat64(empty.GetXMax()),
		YMin:                    ptrFloat64(empty.GetYMin()),
		YMax:                    ptrFloat64(empty.GetYMax()),
		ZMin:                    ptrFloat64(empty.GetZMin()),
		ZMax:                    ptrFloat64(empty.GetZMax()),
		FrameID:                 ptrString(empty.GetFrameID()),
		PoseStaleAfter:          ptrString(empty.GetPoseStaleAfter().String()),
		SetpointRateHz:          ptrFloat64(empty.GetSetpointRateHz()),
		RequireDetectionForTest: ptrBool(empty.GetRequireDetectionForTest()),
		DetectionFreshWithin:    ptrString(empty.GetDetectionFreshWithin().String()),
		CaptureWidth:            ptrInt(empty.GetCaptureWidth()),
		CaptureHeight:           ptrInt(empty.GetCaptureHeight()),
		CaptureInterval:         ptrString(empty.GetCaptureInterval().String()),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // deeper packages
		"../../../../" + DefaultConfigPath, // even deeper
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.TargetRGB != nil {
		for i, v := range c.TargetRGB {
			if v < 0 || v > 255 {
				return fmt.Errorf("target_rgb[%d] must be between 0 and 255, got %d", i, v)
			}
		}
	}

	for name, tol := range map[string]*int{
		"hue_tolerance":        c.HueTolerance,
		"saturation_tolerance": c.SaturationTolerance,
		"value_tolerance":      c.ValueTolerance,
	} {
		if tol != nil && *tol < 0 {
			return fmt.Errorf("%s must be non-negative, got %d", name, *tol)
		}
	}

	for _, band := range c.DistractorBands {
		for i := 0; i < 3; i++ {
			if band.Lower[i] > band.Upper[i] {
				return fmt.Errorf("distractor band %q: lower[%d]=%d exceeds upper[%d]=%d",
					band.Name, i, band.Lower[i], i, band.Upper[i])
			}
		}
	}

	if c.BlurKernelSize != nil {
		if k := *c.BlurKernelSize; k < 1 || k%2 == 0 {
			return fmt.Errorf("blur_kernel_size must be a positive odd number, got %d", k)
		}
	}

	if c.BlurSigma != nil && *c.BlurSigma <= 0 {
		return fmt.Errorf("blur_sigma must be positive, got %f", *c.BlurSigma)
	}

	if c.MinCircularity != nil {
		if *c.MinCircularity < 0 || *c.MinCircularity > 1 {
			return fmt.Errorf("min_circularity must be between 0 and 1, got %f", *c.MinCircularity)
		}
	}

	if c.VisionBackend != nil {
		switch *c.VisionBackend {
		case "native", "gocv":
		default:
			return fmt.Errorf("vision_backend must be \"native\" or \"gocv\", got %q", *c.VisionBackend)
		}
	}

	if c.Kp != nil && *c.Kp < 0 {
		return fmt.Errorf("kp must be non-negative, got %f", *c.Kp)
	}
	if c.Kd != nil && *c.Kd < 0 {
		return fmt.Errorf("kd must be non-negative, got %f", *c.Kd)
	}
	if c.PixelTolerance != nil && *c.PixelTolerance < 0 {
		return fmt.Errorf("pixel_tolerance must be non-negative, got %f", *c.PixelTolerance)
	}

	if c.GetXMin() > c.GetXMax() {
		return fmt.Errorf("x_min (%f) exceeds x_max (%f)", c.GetXMin(), c.GetXMax())
	}
	if c.GetYMin() > c.GetYMax() {
		return fmt.Errorf("y_min (%f) exceeds y_max (%f)", c.GetYMin(), c.GetYMax())
	}
	if c.GetZMin() > c.GetZMax() {
		return fmt.Errorf("z_min (%f) exceeds z_max (%f)", c.GetZMin(), c.GetZMax())
	}

	for name, d := range map[string]*string{
		"pose_stale_after":       c.PoseStaleAfter,
		"detection_fresh_within": c.DetectionFreshWithin,
		"capture_interval":       c.CaptureInterval,
	} {
		if d != nil && *d != "" {
			if _, err := time.ParseDuration(*d); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *d, err)
			}
		}
	}

	if c.SetpointRateHz != nil && *c.SetpointRateHz <= 0 {
		return fmt.Errorf("setpoint_rate_hz must be positive, got %f", *c.SetpointRateHz)
	}

	if c.CaptureWidth != nil && *c.CaptureWidth <= 0 {
		return fmt.Errorf("capture_width must be positive, got %d", *c.CaptureWidth)
	}
	if c.CaptureHeight != nil && *c.CaptureHeight <= 0 {
		return fmt.Errorf("capture_height must be positive, got %d", *c.CaptureHeight)
	}

	return nil
}

// parseDurationOr parses s, returning def when s is unset or malformed.
func parseDurationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

// GetTargetRGB returns the target_rgb value or the default (golf-ball red).
func (c *TuningConfig) GetTargetRGB() [3]int {
	if c.TargetRGB == nil {
		return [3]int{200, 29, 32}
	}
	return *c.TargetRGB
}

// GetHueTolerance returns the hue_tolerance value or the default.
func (c *TuningConfig) GetHueTolerance() int {
	if c.HueTolerance == nil {
		return 10
	}
	return *c.HueTolerance
}

// GetSaturationTolerance returns the saturation_tolerance value or the default.
func (c *TuningConfig) GetSaturationTolerance() int {
	if c.SaturationTolerance == nil {
		return 100
	}
	return *c.SaturationTolerance
}

// GetValueTolerance returns the value_tolerance value or the default.
func (c *TuningConfig) GetValueTolerance() int {
	if c.ValueTolerance == nil {
		return 100
	}
	return *c.ValueTolerance
}

// GetDistractorBands returns the configured exclusion bands, or the
// green and blue ranges that suppress grass and sky/tarp surfaces.
func (c *TuningConfig) GetDistractorBands() []HSVRange {
	if c.DistractorBands == nil {
		return []HSVRange{
			{Name: "green", Lower: [3]int{35, 50, 50}, Upper: [3]int{85, 255, 255}},
			{Name: "blue", Lower: [3]int{90, 50, 50}, Upper: [3]int{130, 255, 255}},
		}
	}
	out := make([]HSVRange, len(c.DistractorBands))
	copy(out, c.DistractorBands)
	return out
}

// GetBlurKernelSize returns the blur_kernel_size value or the default.
func (c *TuningConfig) GetBlurKernelSize() int {
	if c.BlurKernelSize == nil {
		return 9
	}
	return *c.BlurKernelSize
}

// GetBlurSigma returns the blur_sigma value or the default.
func (c *TuningConfig) GetBlurSigma() float64 {
	if c.BlurSigma == nil {
		return 2.0
	}
	return *c.BlurSigma
}

// GetMinRegionArea returns the min_region_area value or the default.
func (c *TuningConfig) GetMinRegionArea() float64 {
	if c.MinRegionArea == nil {
		return 20
	}
	return *c.MinRegionArea
}

// GetMinCircularity returns the min_circularity value or the default.
func (c *TuningConfig) GetMinCircularity() float64 {
	if c.MinCircularity == nil {
		return 0.8
	}
	return *c.MinCircularity
}

// GetMinScore returns the min_score value or the default.
func (c *TuningConfig) GetMinScore() float64 {
	if c.MinScore == nil {
		return 7
	}
	return *c.MinScore
}

// GetFallbackToMask returns the fallback_to_mask value or the default.
func (c *TuningConfig) GetFallbackToMask() bool {
	if c.FallbackToMask == nil {
		return true
	}
	return *c.FallbackToMask
}

// GetVisionBackend returns the vision_backend value or the default.
func (c *TuningConfig) GetVisionBackend() string {
	if c.VisionBackend == nil || *c.VisionBackend == "" {
		return "native"
	}
	return *c.VisionBackend
}

// GetKp returns the kp value or the default.
func (c *TuningConfig) GetKp() float64 {
	if c.Kp == nil {
		return 0.020
	}
	return *c.Kp
}

// GetKd returns the kd value or the default.
func (c *TuningConfig) GetKd() float64 {
	if c.Kd == nil {
		return 0.002
	}
	return *c.Kd
}

// GetPixelTolerance returns the pixel_tolerance value or the default.
func (c *TuningConfig) GetPixelTolerance() float64 {
	if c.PixelTolerance == nil {
		return 5
	}
	return *c.PixelTolerance
}

// GetCruiseHeight returns the cruise_height value or the default.
func (c *TuningConfig) GetCruiseHeight() float64 {
	if c.CruiseHeight == nil {
		return 2.3
	}
	return *c.CruiseHeight
}

// GetLandHeight returns the land_height value or the default.
func (c *TuningConfig) GetLandHeight() float64 {
	if c.LandHeight == nil {
		return 0.1
	}
	return *c.LandHeight
}

// GetInitX returns the init_x value or the default.
func (c *TuningConfig) GetInitX() float64 {
	if c.InitX == nil {
		return 2.0
	}
	return *c.InitX
}

// GetInitY returns the init_y value or the default.
func (c *TuningConfig) GetInitY() float64 {
	if c.InitY == nil {
		return 1.8
	}
	return *c.InitY
}

// GetXMin returns the x_min value or the default.
func (c *TuningConfig) GetXMin() float64 {
	if c.XMin == nil {
		return -3.0
	}
	return *c.XMin
}

// GetXMax returns the x_max value or the default.
func (c *TuningConfig) GetXMax() float64 {
	if c.XMax == nil {
		return 3.0
	}
	return *c.XMax
}

// GetYMin returns the y_min value or the default.
func (c *TuningConfig) GetYMin() float64 {
	if c.YMin == nil {
		return -3.0
	}
	return *c.YMin
}

// GetYMax returns the y_max value or the default.
func (c *TuningConfig) GetYMax() float64 {
	if c.YMax == nil {
		return 3.0
	}
	return *c.YMax
}

// GetZMin returns the z_min value or the default.
func (c *TuningConfig) GetZMin() float64 {
	if c.ZMin == nil {
		return 0.0
	}
	return *c.ZMin
}

// GetZMax returns the z_max value or the default.
func (c *TuningConfig) GetZMax() float64 {
	if c.ZMax == nil {
		return 2.5
	}
	return *c.ZMax
}

// GetFrameID returns the frame_id value or the default.
func (c *TuningConfig) GetFrameID() string {
	if c.FrameID == nil || *c.FrameID == "" {
		return "map"
	}
	return *c.FrameID
}

// GetPoseStaleAfter parses and returns PoseStaleAfter as a time.Duration.
func (c *TuningConfig) GetPoseStaleAfter() time.Duration {
	return parseDurationOr(c.PoseStaleAfter, 500*time.Millisecond)
}

// GetSetpointRateHz returns the setpoint_rate_hz value or the default.
func (c *TuningConfig) GetSetpointRateHz() float64 {
	if c.SetpointRateHz == nil {
		return 20
	}
	return *c.SetpointRateHz
}

// GetRequireDetectionForTest returns the require_detection_for_test value or the default.
func (c *TuningConfig) GetRequireDetectionForTest() bool {
	if c.RequireDetectionForTest == nil {
		return false
	}
	return *c.RequireDetectionForTest
}

// GetDetectionFreshWithin parses and returns DetectionFreshWithin as a time.Duration.
func (c *TuningConfig) GetDetectionFreshWithin() time.Duration {
	return parseDurationOr(c.DetectionFreshWithin, time.Second)
}

// GetCaptureWidth returns the capture_width value or the default.
func (c *TuningConfig) GetCaptureWidth() int {
	if c.CaptureWidth == nil {
		return 128
	}
	return *c.CaptureWidth
}

// GetCaptureHeight returns the capture_height value or the default.
func (c *TuningConfig) GetCaptureHeight() int {
	if c.CaptureHeight == nil {
		return 128
	}
	return *c.CaptureHeight
}

// GetCaptureInterval parses and returns CaptureInterval as a time.Duration.
func (c *TuningConfig) GetCaptureInterval() time.Duration {
	return parseDurationOr(c.CaptureInterval, 10*time.Millisecond)
}
