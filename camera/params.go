package camera

// Param identifies a device control. The set is closed; unrecognized
// identifiers are rejected with ErrInvalidArg.
type Param uint32

const (
	ParamBrightness Param = iota + 1
	ParamContrast
	ParamAutoWhiteBalance
	ParamWhiteBalanceTemperature
	ParamSharpness
	ParamAutoExposure
	ParamAbsoluteExposure
	ParamAutoFocus
	ParamAbsoluteFocus
	ParamAbsoluteZoom
)

var paramNames = map[Param]string{
	ParamBrightness:              "BRIGHTNESS",
	ParamContrast:                "CONTRAST",
	ParamAutoWhiteBalance:        "AUTO_WHITE_BALANCE",
	ParamWhiteBalanceTemperature: "WHITE_BALANCE_TEMPERATURE",
	ParamSharpness:               "SHARPNESS",
	ParamAutoExposure:            "AUTO_EXPOSURE",
	ParamAbsoluteExposure:        "ABSOLUTE_EXPOSURE",
	ParamAutoFocus:               "AUTO_FOCUS",
	ParamAbsoluteFocus:           "ABSOLUTE_FOCUS",
	ParamAbsoluteZoom:            "ABSOLUTE_ZOOM",
}

// String returns the parameter name used in logs and the API surface.
func (p Param) String() string {
	if s, ok := paramNames[p]; ok {
		return s
	}
	return "UNKNOWN"
}

// Valid reports whether p is a member of the closed parameter set.
func (p Param) Valid() bool {
	_, ok := paramNames[p]
	return ok
}

// Params returns the closed parameter set in declaration order.
func Params() []Param {
	return []Param{
		ParamBrightness,
		ParamContrast,
		ParamAutoWhiteBalance,
		ParamWhiteBalanceTemperature,
		ParamSharpness,
		ParamAutoExposure,
		ParamAbsoluteExposure,
		ParamAutoFocus,
		ParamAbsoluteFocus,
		ParamAbsoluteZoom,
	}
}

// ParamRange describes the valid values of an integer control.
type ParamRange struct {
	Min  int32
	Max  int32
	Step int32
}
