package types

import "encoding/json"

// Event names carried in Frame.Type.
const (
	// Client -> server
	EventCheckEnrollment = "check-enrollment"
	EventDetectEye       = "detect-eye"
	EventIrisEnroll      = "iris-enroll"
	EventIrisFrame       = "iris-frame"

	// Server -> client
	EventEyePosition      = "eye-position"
	EventEnrollmentStatus = "enrollment-status"
	EventEnrollResult     = "enroll-result"
	EventIrisResult       = "iris-result"
)

// Frame is the JSON envelope for every message on the channel.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Rect is a bounding box in source-image pixel coordinates.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DetectionResult matches the eye-position payload coming back from the detector.
// PreviewImage is a JPEG crop of the eye, base64 on the wire.
type DetectionResult struct {
	Present      bool   `json:"detected"`
	PreviewImage []byte `json:"eyeImage,omitempty"`
	FaceBox      *Rect  `json:"face,omitempty"`
	EyeBox       *Rect  `json:"eye,omitempty"`
	Error        string `json:"error,omitempty"`
}

// EnrollmentStatus is the reply to check-enrollment.
type EnrollmentStatus struct {
	Enrolled bool `json:"enrolled"`
}

// EnrollmentQuery is the check-enrollment payload.
type EnrollmentQuery struct {
	Identity string `json:"identity"`
}

// TerminalRequest is the payload of iris-enroll and iris-frame.
type TerminalRequest struct {
	Image    []byte `json:"image"`
	Identity string `json:"identity"`
}

// EnrollOutcome is the enroll-result payload.
type EnrollOutcome struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// AuthOutcome is the iris-result payload. Optional fields are pointers so an
// absent field is distinguishable from its zero value.
type AuthOutcome struct {
	Authenticated *bool    `json:"authenticated,omitempty"`
	Similarity    *float64 `json:"similarity,omitempty"`
	Threshold     *float64 `json:"threshold,omitempty"`
	Error         string   `json:"error,omitempty"`
	Token         string   `json:"token,omitempty"`
	Username      string   `json:"username,omitempty"`
}

// Features is the worker reply for an extract request.
type Features struct {
	Vec []float64 `json:"vec"`
}

// ErrorResult captures the error object returned by the Python worker on failure
type ErrorResult struct {
	Error string `json:"error"`
}

// Bool and Float64 build optional payload fields.
func Bool(v bool) *bool { return &v }

func Float64(v float64) *float64 { return &v }
