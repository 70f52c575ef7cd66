// Package xerrors defines the error handling used throughout the
// FileManager and its collaborators. It follows the same shape as
// upspin.io/errors: a single Error type built by a variadic E
// constructor, carrying an operation name, a path, a Kind classifying
// the failure, and an optional wrapped error.
package xerrors

import (
	"bytes"
	"fmt"
	"runtime"
	"strings"
)

// Kind classifies an error at the FileManager boundary. It is the
// flat enum every collaborator error is mapped into before it
// reaches a caller.
type Kind uint8

// The kinds of error a FileManager operation can surface.
const (
	Other Kind = iota // Unclassified; not printed in the error message.

	// Namespace errors.
	NotFound
	AlreadyExists
	NotAFile
	NotALink
	NotAFolder
	CannotWriteInNonServerPath
	InvalidLinkSource
	InvalidLinkDestination
	ServerTreeManipulation

	// Remote errors.
	FailedToFetchMappings
	FailedToUpdateRemoteMapping
	FailedToReadFileFromServer
	FailedToWriteFileInServer
	FailedToFetchServerInfos

	// Internal errors.
	InternalCacheError
	InternalRepresentationError
)

func (k Kind) String() string {
	switch k {
	case Other:
		return "other error"
	case NotFound:
		return "not found"
	case AlreadyExists:
		return "already exists"
	case NotAFile:
		return "not a file"
	case NotALink:
		return "not a link"
	case NotAFolder:
		return "not a folder"
	case CannotWriteInNonServerPath:
		return "cannot write outside servers/ tree"
	case InvalidLinkSource:
		return "invalid link source"
	case InvalidLinkDestination:
		return "invalid link destination"
	case ServerTreeManipulation:
		return "servers/ tree may not be manipulated directly"
	case FailedToFetchMappings:
		return "failed to fetch mappings"
	case FailedToUpdateRemoteMapping:
		return "failed to update remote mapping"
	case FailedToReadFileFromServer:
		return "failed to read file from server"
	case FailedToWriteFileInServer:
		return "failed to write file in server"
	case FailedToFetchServerInfos:
		return "failed to fetch server infos"
	case InternalCacheError:
		return "internal cache error"
	case InternalRepresentationError:
		return "internal representation error"
	}
	return "unknown error kind"
}

// Separator joins nested Error values on a new, indented line.
var Separator = ":\n\t"

// Error is the error type returned at every FileManager boundary.
type Error struct {
	Op   string // The operation being performed, e.g. "FileManager.Write".
	Path string // The path (mirror-tree or server path) being operated on.
	Kind Kind   // The class of error.
	Err  error  // The underlying error, if any.
}

var zeroErr Error

// E builds an *Error from its arguments. Each argument's type
// determines the field it fills:
//
//	string      the operation name, unless it looks like a path (contains '/')
//	Kind        the error kind
//	error       the wrapped error
//
// If more than one argument of a given type is given, the last one
// wins. If Kind is unset (Other) and the wrapped error is itself an
// *Error, its Kind is promoted.
func E(args ...interface{}) error {
	if len(args) == 0 {
		return nil
	}
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case string:
			if strings.Contains(a, "/") {
				e.Path = a
			} else {
				e.Op = a
			}
		case Kind:
			e.Kind = a
		case *Error:
			cp := *a
			e.Err = &cp
		case error:
			e.Err = a
		default:
			_, file, line, _ := runtime.Caller(1)
			return Errorf("xerrors.E: bad call from %s:%d: unknown type %T, value %v", file, line, arg, arg)
		}
	}
	prev, ok := e.Err.(*Error)
	if !ok {
		return e
	}
	if prev.Path == e.Path {
		prev.Path = ""
	}
	if prev.Kind == e.Kind {
		prev.Kind = Other
	}
	if e.Kind == Other {
		e.Kind = prev.Kind
		prev.Kind = Other
	}
	return e
}

func pad(b *bytes.Buffer, s string) {
	if b.Len() == 0 {
		return
	}
	b.WriteString(s)
}

func (e *Error) Error() string {
	b := new(bytes.Buffer)
	if e.Path != "" {
		b.WriteString(e.Path)
	}
	if e.Op != "" {
		pad(b, ": ")
		b.WriteString(e.Op)
	}
	if e.Kind != Other {
		pad(b, ": ")
		b.WriteString(e.Kind.String())
	}
	if e.Err != nil {
		if prevErr, ok := e.Err.(*Error); ok {
			if *prevErr != zeroErr {
				pad(b, Separator)
				b.WriteString(e.Err.Error())
			}
		} else {
			pad(b, ": ")
			b.WriteString(e.Err.Error())
		}
	}
	if b.Len() == 0 {
		return "no error"
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf walks err from the outside in and returns the Kind of the
// outermost *Error whose Kind is not Other. It returns Other if err is nil or carries no
// classified Kind.
func KindOf(err error) Kind {
	e, ok := err.(*Error)
	if !ok {
		return Other
	}
	if e.Kind != Other {
		return e.Kind
	}
	return KindOf(e.Err)
}

// Is reports whether KindOf(err) is the given Kind. A kind carried
// only by an inner *Error beneath an outer classified one is not
// matched.
func Is(kind Kind, err error) bool {
	return KindOf(err) == kind
}

// Str returns an error that formats as the given text, for use as the
// error-typed argument to E.
func Str(text string) error {
	return &errorString{text}
}

type errorString struct{ s string }

func (e *errorString) Error() string { return e.s }

// Errorf is equivalent to fmt.Errorf, supplied here so call sites
// never need to import both "errors" and this package.
func Errorf(format string, args ...interface{}) error {
	return &errorString{fmt.Sprintf(format, args...)}
}
