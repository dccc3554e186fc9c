package xterr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

type Category string

const (
	CategorySyntax   Category = "syntax"
	CategoryCombo    Category = "combo"
	CategoryConfig   Category = "config"
	CategoryEnv      Category = "env"
	CategoryStore    Category = "store"
	CategoryService  Category = "service"
	CategoryInternal Category = "internal"
)

var (
	ErrAlreadyExists        = errors.New("already exists")
	ErrNotFound             = errors.New("not found")
	ErrConfirmationMismatch = errors.New("confirmation does not match")
	ErrMixedWorkspaces      = errors.New("jobs span more than one workspace")
	ErrUnauthenticated      = errors.New("unauthenticated")
	ErrNameCollision        = errors.New("name collision")
)

// Error is a categorized engine error. Transient marks a failure worth retrying.
type Error struct {
	Category  Category
	Msg       string
	Err       error
	Transient bool
}

func (e *Error) Error() string {
	switch {
	case e.Msg == "" && e.Err != nil:
		return e.Err.Error()
	case e.Err == nil:
		return e.Msg
	default:
		return e.Msg + ": " + e.Err.Error()
	}
}

func (e *Error) Unwrap() error { return e.Err }

func newf(cat Category, format string, args ...interface{}) *Error {
	return &Error{Category: cat, Msg: fmt.Sprintf(format, args...)}
}

func Syntax(format string, args ...interface{}) error  { return newf(CategorySyntax, format, args...) }
func Combo(format string, args ...interface{}) error   { return newf(CategoryCombo, format, args...) }
func Config(format string, args ...interface{}) error  { return newf(CategoryConfig, format, args...) }
func Env(format string, args ...interface{}) error     { return newf(CategoryEnv, format, args...) }
func Store(format string, args ...interface{}) error   { return newf(CategoryStore, format, args...) }
func Service(format string, args ...interface{}) error { return newf(CategoryService, format, args...) }
func Internal(format string, args ...interface{}) error {
	return newf(CategoryInternal, format, args...)
}

// Wrap attaches a category to err. A nil err stays nil.
func Wrap(cat Category, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Category: cat, Msg: msg, Err: err, Transient: IsTransient(err)}
}

// WithSentinel returns a categorized error that matches sentinel under errors.Is.
func WithSentinel(cat Category, sentinel error, format string, args ...interface{}) error {
	return &Error{Category: cat, Msg: fmt.Sprintf(format, args...), Err: sentinel}
}

// MarkTransient flags err as retryable without changing its category.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	var xe *Error
	if errors.As(err, &xe) {
		cp := *xe
		cp.Transient = true
		return &cp
	}
	return &Error{Category: CategoryService, Err: err, Transient: true}
}

func CategoryOf(err error) Category {
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Category
	}
	return CategoryInternal
}

// IsTransient reports whether err is a retryable failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var xe *Error
	if errors.As(err, &xe) && xe.Transient {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "connection refused")
}

// ExitCode maps an error to the CLI process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch CategoryOf(err) {
	case CategorySyntax, CategoryCombo:
		return 2
	case CategoryConfig:
		return 3
	case CategoryEnv:
		return 4
	case CategoryStore:
		return 5
	case CategoryService:
		return 6
	default:
		return 7
	}
}

// Label is the single-line prefix printed by the CLI.
func Label(err error) string {
	switch CategoryOf(err) {
	case CategorySyntax:
		return "Syntax error"
	case CategoryCombo:
		return "Option combination error"
	case CategoryConfig:
		return "Config error"
	case CategoryEnv:
		return "Environment error"
	case CategoryStore:
		return "Store error"
	case CategoryService:
		return "Service error"
	default:
		return "Internal error"
	}
}
