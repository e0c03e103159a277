package ipc

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/buddhike/flotilla/gateway"
	"github.com/buddhike/flotilla/messages"
)

const (
	processGoneName    = "ProcessGoneError"
	requestTimeoutName = "RequestTimeoutError"
)

// RemoteError is an error rebuilt on this side of a process boundary.
type RemoteError struct {
	Name    string
	Message string
	Stack   string
}

func (e *RemoteError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

func (e *RemoteError) Unwrap() error {
	switch e.Name {
	case processGoneName:
		return ErrProcessGone
	case requestTimeoutName:
		return ErrRequestTimeout
	}
	return nil
}

type stacker interface {
	Stack() string
}

// ConvertError produces the reconstruction record for err.
func ConvertError(err error) messages.SerializedError {
	var re *RemoteError
	if errors.As(err, &re) && re.Name != "" && re.Error() == err.Error() {
		return messages.SerializedError{ConvertedErrorObject: true, Name: re.Name, Message: re.Message, Stack: re.Stack}
	}
	se := messages.SerializedError{
		ConvertedErrorObject: true,
		Name:                 errorName(err),
		Message:              err.Error(),
	}
	var s stacker
	if errors.As(err, &s) {
		se.Stack = s.Stack()
	}
	return se
}

// ReconstructError rebuilds a typed error from its record. Records that were
// not converted from an error value are returned as opaque data.
func ReconstructError(se messages.SerializedError) error {
	if !se.ConvertedErrorObject {
		return errors.New(se.Message)
	}
	return &RemoteError{Name: se.Name, Message: se.Message, Stack: se.Stack}
}

func errorName(err error) string {
	switch {
	case errors.Is(err, ErrProcessGone):
		return processGoneName
	case errors.Is(err, ErrRequestTimeout):
		return requestTimeoutName
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}

// ErrorReply builds a return message that fails the request id.
func ErrorReply(id string, err error) *messages.Message {
	se := ConvertError(err)
	return &messages.Message{Op: messages.OpReturn, ID: id, Error: &se}
}

// ValueReply builds a return message carrying v as its JSON value.
func ValueReply(op messages.Op, id string, v any) (*messages.Message, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s reply: %w", op, err)
	}
	return &messages.Message{Op: op, ID: id, Value: raw}, nil
}

// EncodeRequest serializes a REST call description. File contents cannot
// travel inside the text envelope, so each file's bytes are moved to a
// parallel base64 list (index aligned with Files) and the field is zeroed
// in the serialized copy. opts itself is left untouched.
func EncodeRequest(opts gateway.RequestOptions) (string, []string, error) {
	var fileStrings []string
	if len(opts.Files) > 0 {
		files := make([]gateway.File, len(opts.Files))
		fileStrings = make([]string, len(opts.Files))
		for i, f := range opts.Files {
			if len(f.Contents) > 0 {
				fileStrings[i] = base64.StdEncoding.EncodeToString(f.Contents)
			}
			files[i] = gateway.File{Name: f.Name}
		}
		opts.Files = files
	}
	data, err := json.Marshal(opts)
	if err != nil {
		return "", nil, fmt.Errorf("failed to serialize request: %w", err)
	}
	return string(data), fileStrings, nil
}

func DecodeRequest(dataSerialized string, fileStrings []string) (gateway.RequestOptions, error) {
	var opts gateway.RequestOptions
	if err := json.Unmarshal([]byte(dataSerialized), &opts); err != nil {
		return opts, fmt.Errorf("failed to deserialize request: %w", err)
	}
	if len(fileStrings) != len(opts.Files) {
		return opts, fmt.Errorf("request has %d files but %d file strings", len(opts.Files), len(fileStrings))
	}
	for i, s := range fileStrings {
		if s == "" {
			continue
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return opts, fmt.Errorf("failed to decode file %d: %w", i, err)
		}
		opts.Files[i].Contents = b
	}
	return opts, nil
}

// EncodeCentralResult builds the value of a centralApiResponse from the
// outcome of a REST call.
func EncodeCentralResult(value json.RawMessage, callErr error) (json.RawMessage, error) {
	res := messages.CentralResult{Resolved: callErr == nil}
	if callErr == nil {
		if value == nil {
			value = json.RawMessage("null")
		}
		res.ValueSerialized = string(value)
	} else {
		se, err := json.Marshal(ConvertError(callErr))
		if err != nil {
			return nil, err
		}
		failure, err := json.Marshal(messages.CentralFailure{ConvertedErrorObject: true, Error: se})
		if err != nil {
			return nil, err
		}
		res.ValueSerialized = string(failure)
	}
	return json.Marshal(res)
}

// DecodeCentralResult is the inverse of EncodeCentralResult. A failure that
// was converted from an error is reconstructed; anything else is returned
// as an opaque error carrying the raw payload.
func DecodeCentralResult(raw json.RawMessage) (json.RawMessage, error) {
	var res messages.CentralResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("malformed central response: %w", err)
	}
	if res.Resolved {
		return json.RawMessage(res.ValueSerialized), nil
	}
	var failure messages.CentralFailure
	if err := json.Unmarshal([]byte(res.ValueSerialized), &failure); err != nil {
		return nil, fmt.Errorf("malformed central failure: %w", err)
	}
	if failure.ConvertedErrorObject {
		var se messages.SerializedError
		if err := json.Unmarshal(failure.Error, &se); err != nil {
			return nil, fmt.Errorf("malformed central error: %w", err)
		}
		return nil, ReconstructError(se)
	}
	var text string
	if err := json.Unmarshal(failure.Error, &text); err == nil {
		return nil, errors.New(text)
	}
	return nil, errors.New(string(failure.Error))
}
