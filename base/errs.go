package base

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

var ErrNothingToRead = errors.New("nothing to read")
var ErrNotOpened = errors.New("connection is not open")
var ErrCommunicationTimeout = errors.New("communication timeout")

// error classes, every error leaving session, mapping or engine matches one of them
var (
	ErrConfiguration = errors.New("configuration error")
	ErrTransport     = errors.New("transport error")
	ErrAssociation   = errors.New("association error")
	ErrProtocol      = errors.New("protocol error")
	ErrTimeout       = errors.New("timeout")
	ErrMapping       = errors.New("mapping error")
)

var classes = [...]error{ErrConfiguration, ErrTransport, ErrAssociation, ErrProtocol, ErrTimeout, ErrMapping}

// Error is a classified failure of one operation.
type Error struct {
	Class  error
	Op     string // open, associate, read, write, release
	Target string // obis code or node id, may be empty
	Err    error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Op)
	if e.Target != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Target)
	}
	sb.WriteString(": ")
	sb.WriteString(e.Class.Error())
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Class}
	}
	return []error{e.Class, e.Err}
}

func NewError(class error, op string, target string, err error) *Error {
	return &Error{Class: class, Op: op, Target: target, Err: err}
}

// Classify wraps err into class unless it already carries a class.
func Classify(class error, op string, target string, err error) error {
	if err == nil {
		return nil
	}
	if ClassOf(err) != nil {
		return err
	}
	return NewError(class, op, target, err)
}

// ClassOf returns the class sentinel err belongs to or nil.
func ClassOf(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	for _, c := range classes {
		if errors.Is(err, c) {
			return c
		}
	}
	return nil
}

// ConfigError enumerates every invalid or missing setting found at once.
type ConfigError struct {
	err error
}

func (c *ConfigError) Add(field string, format string, v ...any) {
	c.err = multierr.Append(c.err, fmt.Errorf("%s: %s", field, fmt.Sprintf(format, v...)))
}

func (c *ConfigError) Problems() []error {
	return multierr.Errors(c.err)
}

func (c *ConfigError) HasProblems() bool {
	return c.err != nil
}

// Err returns nil when nothing was added, this keeps (*ConfigError)(nil) out of error interfaces.
func (c *ConfigError) Err() error {
	if c.err == nil {
		return nil
	}
	return c
}

func (c *ConfigError) Error() string {
	p := c.Problems()
	s := make([]string, len(p))
	for i, e := range p {
		s[i] = e.Error()
	}
	return fmt.Sprintf("%v: %s", ErrConfiguration, strings.Join(s, "; "))
}

func (c *ConfigError) Unwrap() []error {
	return append([]error{ErrConfiguration}, c.Problems()...)
}
