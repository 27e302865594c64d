package notifications

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Outcome is the classification of a single send.
type Outcome int

const (
	Success Outcome = iota
	Transient
	Permanent
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Response is the raw result of one send.
type Response struct {
	StatusCode int
	Body       []byte
	Err        error // transport error, including timeouts
}

// apiError is the FCM v1 error envelope.
type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type      string `json:"@type"`
			ErrorCode string `json:"errorCode"`
		} `json:"details"`
	} `json:"error"`
}

func (e apiError) errorCode() string {
	for _, d := range e.Error.Details {
		if d.ErrorCode != "" {
			return d.ErrorCode
		}
	}
	return ""
}

// DeliveryError describes a failed send to one registration.
type DeliveryError struct {
	RegistrationID string
	StatusCode     int
	Status         string // error.status from the API
	Code           string // FcmError errorCode
	Message        string
	Permanent      bool
	Err            error
}

func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s delivery failure for registration %s: %v", kind, e.RegistrationID, e.Err)
	}
	return fmt.Sprintf("%s delivery failure for registration %s: %d %s %s %s",
		kind, e.RegistrationID, e.StatusCode, e.Status, e.Code, e.Message)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Classify decides whether a response is a success, a failure worth
// retrying on a later dispatch, or a registration that will never work
// again. It is pure.
func Classify(r Response) Outcome {
	if r.Err != nil {
		return Transient
	}
	if r.StatusCode >= 200 && r.StatusCode <= 299 {
		return Success
	}
	if isPermanent(r.StatusCode, parseAPIError(r.Body)) {
		return Permanent
	}
	return Transient
}

// NewDeliveryError builds the loggable error for a failed response.
func NewDeliveryError(registrationID string, r Response) *DeliveryError {
	e := parseAPIError(r.Body)
	return &DeliveryError{
		RegistrationID: registrationID,
		StatusCode:     r.StatusCode,
		Status:         e.Error.Status,
		Code:           e.errorCode(),
		Message:        e.Error.Message,
		Permanent:      Classify(r) == Permanent,
		Err:            r.Err,
	}
}

func isPermanent(statusCode int, e apiError) bool {
	if statusCode == http.StatusNotFound {
		return true
	}
	switch e.Error.Status {
	case "NOT_FOUND", "UNREGISTERED":
		return true
	}
	code := e.errorCode()
	if code == "UNREGISTERED" {
		return true
	}
	// A malformed token comes back as INVALID_ARGUMENT; other invalid
	// arguments (bad payload) are our fault, not the registration's.
	if e.Error.Status == "INVALID_ARGUMENT" && (code == "" || code == "INVALID_ARGUMENT") &&
		strings.Contains(strings.ToLower(e.Error.Message), "registration token") {
		return true
	}
	return false
}

func parseAPIError(body []byte) apiError {
	var e apiError
	if len(body) > 0 {
		_ = json.Unmarshal(body, &e)
	}
	return e
}
