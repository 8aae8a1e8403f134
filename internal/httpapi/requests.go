package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxBodyBytes bounds every request body. Letters are a few kilobytes.
const maxBodyBytes = 1 << 20

// errValidation marks a request rejected before it reaches the controller.
var errValidation = errors.New("validation error")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errValidation, fmt.Sprintf(format, args...))
}

type validator interface {
	Validate() error
}

// decode reads a JSON body into v, rejecting unknown fields and trailing
// data. An empty body decodes to the zero value when allowEmpty is set.
func decode(w http.ResponseWriter, r *http.Request, v validator, allowEmpty bool) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		switch {
		case errors.Is(err, io.EOF) && allowEmpty:
		case errors.Is(err, io.EOF):
			return invalid("request body is required")
		default:
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				return invalid("request body exceeds %d bytes", maxErr.Limit)
			}
			return invalid("malformed JSON: %v", err)
		}
	} else if dec.More() {
		return invalid("request body must contain a single JSON object")
	}
	return v.Validate()
}

func required(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return invalid("%s is required", name)
	}
	return nil
}

type createRequest struct {
	OriginalLetter string `json:"original_letter,omitempty"`
}

func (createRequest) Validate() error { return nil }

type editRequest struct {
	CurrentLetter string `json:"current_letter"`
	Feedback      string `json:"feedback"`
}

func (r editRequest) Validate() error {
	if err := required("current_letter", r.CurrentLetter); err != nil {
		return err
	}
	return required("feedback", r.Feedback)
}

type askRequest struct {
	Question      string `json:"question"`
	CurrentLetter string `json:"current_letter,omitempty"`
}

func (r askRequest) Validate() error {
	return required("question", r.Question)
}

// chatRequest carries either an edit or a question through one route.
type chatRequest struct {
	Action        string `json:"action"`
	Message       string `json:"message"`
	CurrentLetter string `json:"current_letter,omitempty"`
}

func (r chatRequest) Validate() error {
	switch r.Action {
	case "edit":
		if err := required("current_letter", r.CurrentLetter); err != nil {
			return err
		}
	case "ask":
	default:
		return invalid("action must be \"edit\" or \"ask\"")
	}
	return required("message", r.Message)
}

type finalizeRequest struct {
	Letter string `json:"letter"`
	Title  string `json:"title,omitempty"`
	Footer string `json:"footer,omitempty"`
}

func (r finalizeRequest) Validate() error {
	return required("letter", r.Letter)
}
