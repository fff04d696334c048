package agent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dotsetgreg/chatrelay/pkg/logger"
	"github.com/google/uuid"
)

type ErrorKind string

const (
	KindCompletion ErrorKind = "completion"
	KindStore      ErrorKind = "store"
	KindImage      ErrorKind = "image"
	KindCommand    ErrorKind = "command"
)

var ErrUnknownCommand = errors.New("unknown command")

// TurnError is a failure the user sees only through its correlation id.
// The wrapped error is logged, never delivered.
type TurnError struct {
	Kind          ErrorKind
	CorrelationID string
	Err           error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("%s error %s: %v", e.Kind, e.CorrelationID, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// UserMessage is the only text about the failure that leaves the process.
func (e *TurnError) UserMessage() string {
	return fmt.Sprintf("there was an error processing your request, you can use this ID to track the issue `%s`", e.CorrelationID)
}

func newCorrelationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// newTurnError assigns a fresh correlation id and logs it with err.
func newTurnError(kind ErrorKind, err error, fields map[string]any) *TurnError {
	te := &TurnError{Kind: kind, CorrelationID: newCorrelationID(), Err: err}
	logFields := map[string]any{
		"error_id": te.CorrelationID,
		"kind":     string(kind),
		"error":    err.Error(),
	}
	for k, v := range fields {
		logFields[k] = v
	}
	logger.ErrorCF("agent", "Request failed", logFields)
	return te
}

// asTurnError returns err as a *TurnError, wrapping it as kind if needed.
func asTurnError(kind ErrorKind, err error, fields map[string]any) *TurnError {
	var te *TurnError
	if errors.As(err, &te) {
		return te
	}
	return newTurnError(kind, err, fields)
}
