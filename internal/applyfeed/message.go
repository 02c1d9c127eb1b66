package applyfeed

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

type ParseErrorKind string

const (
	ParseMalformed     ParseErrorKind = "malformed"
	ParseMissingFields ParseErrorKind = "missing_fields"
)

type ParseError struct {
	Kind   ParseErrorKind
	Fields []string
	Err    error
}

func (e *ParseError) Error() string {
	switch e.Kind {
	case ParseMissingFields:
		return "Missing required fields: " + strings.Join(e.Fields, ", ")
	default:
		if e.Err != nil {
			return "Invalid JSON payload: " + e.Err.Error()
		}
		return "Invalid JSON payload"
	}
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func (e *ParseError) Is(target error) bool {
	return target == ErrInvalidPayload
}

// Attachment describes an inbound attachment; content bytes are not retained.
type Attachment struct {
	Name          string `json:"Name"`
	ContentType   string `json:"ContentType"`
	ContentLength int64  `json:"ContentLength"`
	ContentID     string `json:"ContentID,omitempty"`
}

// Message is the normalized inbound email. Field names follow the upstream
// relay's webhook body.
type Message struct {
	From        string       `json:"From" validate:"required"`
	To          string       `json:"To" validate:"required"`
	Subject     string       `json:"Subject" validate:"required"`
	TextBody    string       `json:"TextBody" validate:"required"`
	HtmlBody    string       `json:"HtmlBody" validate:"required"`
	Date        string       `json:"Date" validate:"required"`
	MessageID   string       `json:"MessageID,omitempty"`
	ReplyTo     string       `json:"ReplyTo,omitempty"`
	Attachments []Attachment `json:"Attachments,omitempty"`
}

// repairableArrayFields are the array-valued relay fields whose truncation
// we close automatically.
var repairableArrayFields = map[string]struct{}{
	"Attachments": {},
	"Headers":     {},
	"ToFull":      {},
	"CcFull":      {},
	"BccFull":     {},
}

var payloadValidator = newPayloadValidator()

func newPayloadValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// NormalizePayload turns a raw webhook body into a Message. A strict parse is
// tried first; on failure a single structural repair is attempted before the
// body is rejected as malformed.
func NormalizePayload(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		repaired, ok := repairTruncatedJSON(string(raw))
		if !ok {
			return Message{}, &ParseError{Kind: ParseMalformed, Err: err}
		}
		msg = Message{}
		if retryErr := json.Unmarshal([]byte(repaired), &msg); retryErr != nil {
			return Message{}, &ParseError{Kind: ParseMalformed, Err: retryErr}
		}
	}
	if err := payloadValidator.Struct(msg); err != nil {
		var validationErrs validator.ValidationErrors
		if !errors.As(err, &validationErrs) {
			return Message{}, &ParseError{Kind: ParseMalformed, Err: err}
		}
		fields := make([]string, 0, len(validationErrs))
		for _, fieldErr := range validationErrs {
			fields = append(fields, fieldErr.Field())
		}
		return Message{}, &ParseError{Kind: ParseMissingFields, Fields: fields}
	}
	msg.MessageID = strings.TrimSpace(msg.MessageID)
	return msg, nil
}

type jsonFrame struct {
	open byte
	key  string
}

// repairTruncatedJSON closes structures left open at the end of the text.
// Arrays are only closed when a known relay field introduced them; anything
// else (an open string, an unknown array) is left to fail.
func repairTruncatedJSON(text string) (string, bool) {
	var (
		stack      []jsonFrame
		inString   bool
		escaped    bool
		current    strings.Builder
		lastString string
		pendingKey string
	)
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
				current.WriteByte(c)
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
				lastString = current.String()
			default:
				current.WriteByte(c)
			}
			continue
		}
		switch c {
		case '"':
			inString = true
			current.Reset()
		case ':':
			pendingKey = lastString
		case '{':
			stack = append(stack, jsonFrame{open: '{', key: pendingKey})
			pendingKey = ""
		case '[':
			stack = append(stack, jsonFrame{open: '[', key: pendingKey})
			pendingKey = ""
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			pendingKey = ""
		case ',':
			pendingKey = ""
		}
	}
	if inString || len(stack) == 0 {
		return "", false
	}
	var suffix strings.Builder
	for i := len(stack) - 1; i >= 0; i-- {
		frame := stack[i]
		if frame.open == '[' {
			if _, ok := repairableArrayFields[frame.key]; !ok {
				return "", false
			}
			suffix.WriteByte(']')
			continue
		}
		suffix.WriteByte('}')
	}
	return strings.TrimRight(text, " \t\r\n") + suffix.String(), true
}

func previewBody(raw []byte) string {
	const max = 200
	if len(raw) <= max {
		return string(raw)
	}
	return fmt.Sprintf("%s...", raw[:max])
}
