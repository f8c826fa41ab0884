// Package types defines the journal entry model shared by writers, readers and
// the management layer that records and replays calls.
package types

import (
	"fmt"
	"time"
)

// ArgType discriminates the value held by an Argument.
type ArgType string

const (
	ArgString  ArgType = "string"      // string
	ArgInt     ArgType = "int"         // int64
	ArgBool    ArgType = "bool"        // bool
	ArgDate    ArgType = "date"        // time.Time
	ArgStrings ArgType = "stringArray" // []string
	ArgBytes   ArgType = "bytes"       // []byte, base64 on the wire
	ArgFile    ArgType = "file"        // File, base64 on the wire
	ArgNull    ArgType = "null"        // nil
)

// File refers to a file on local disk whose content travels with the entry.
type File struct {
	Path string `json:"path"`
}

// Argument is one named, typed argument of a recorded call.
type Argument struct {
	Name  string  `json:"name"`
	Type  ArgType `json:"type"`
	Value any     `json:"value,omitempty"`
}

// Entry is the creator view of one intercepted management call.
type Entry struct {
	Method    string            `json:"method"`
	Timestamp time.Time         `json:"timestamp"`
	Arguments []Argument        `json:"arguments"`
	Context   map[string]string `json:"context,omitempty"`
}

// ConsumerEntry is an entry read back from a journal. Identifier names the
// source file and entry timestamp and is only used in diagnostics.
type ConsumerEntry struct {
	Entry
	Identifier string `json:"-"`
}

// NewEntry creates an entry stamped with the current time.
func NewEntry(method string, context map[string]string) *Entry {
	return &Entry{
		Method:    method,
		Timestamp: time.Now().UTC(),
		Context:   context,
	}
}

// Add appends an argument and returns the entry for chaining.
func (e *Entry) Add(arg Argument) *Entry {
	e.Arguments = append(e.Arguments, arg)
	return e
}

// Argument returns the named argument.
func (e *Entry) Argument(name string) (Argument, bool) {
	for _, a := range e.Arguments {
		if a.Name == name {
			return a, true
		}
	}
	return Argument{}, false
}

// ShallowCopy copies the entry header and argument slice; argument values are
// shared with the original.
func (e *Entry) ShallowCopy() *Entry {
	c := *e
	c.Arguments = append([]Argument(nil), e.Arguments...)
	return &c
}

func String(name, v string) Argument { return Argument{Name: name, Type: ArgString, Value: v} }
func Int(name string, v int64) Argument { return Argument{Name: name, Type: ArgInt, Value: v} }
func Bool(name string, v bool) Argument { return Argument{Name: name, Type: ArgBool, Value: v} }
func Bytes(name string, v []byte) Argument { return Argument{Name: name, Type: ArgBytes, Value: v} }
func Null(name string) Argument { return Argument{Name: name, Type: ArgNull} }

// Date stores v in UTC.
func Date(name string, v time.Time) Argument {
	return Argument{Name: name, Type: ArgDate, Value: v.UTC()}
}

func Strings(name string, v ...string) Argument {
	return Argument{Name: name, Type: ArgStrings, Value: append([]string(nil), v...)}
}

func FileArg(name, path string) Argument {
	return Argument{Name: name, Type: ArgFile, Value: File{Path: path}}
}

// StringArg returns the named string argument. A null argument yields "".
func (e *Entry) StringArg(name string) (string, error) {
	return argValue[string](e, name, ArgString)
}

func (e *Entry) IntArg(name string) (int64, error) {
	return argValue[int64](e, name, ArgInt)
}

func (e *Entry) BoolArg(name string) (bool, error) {
	return argValue[bool](e, name, ArgBool)
}

func (e *Entry) DateArg(name string) (time.Time, error) {
	return argValue[time.Time](e, name, ArgDate)
}

func (e *Entry) StringsArg(name string) ([]string, error) {
	return argValue[[]string](e, name, ArgStrings)
}

func (e *Entry) FileArg(name string) (File, error) {
	return argValue[File](e, name, ArgFile)
}

func argValue[T any](e *Entry, name string, want ArgType) (T, error) {
	var zero T
	a, err := e.typed(name, want)
	if err != nil || a.Value == nil {
		return zero, err
	}
	v, ok := a.Value.(T)
	if !ok {
		return zero, fmt.Errorf("entry %s: argument %q holds %T, not %s", e.Method, name, a.Value, want)
	}
	return v, nil
}

// typed looks up an argument and checks its type. Null arguments match any type.
func (e *Entry) typed(name string, want ArgType) (Argument, error) {
	a, ok := e.Argument(name)
	if !ok {
		return Argument{}, fmt.Errorf("entry %s: no argument %q", e.Method, name)
	}
	if a.Type == ArgNull {
		return Argument{Name: name, Type: ArgNull}, nil
	}
	if a.Type != want {
		return Argument{}, fmt.Errorf("entry %s: argument %q is %s, not %s", e.Method, name, a.Type, want)
	}
	return a, nil
}
