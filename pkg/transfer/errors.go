package transfer

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrAuthenticationRequired indicates that the server demanded credentials
// during the handshake. Authenticated modules aren't supported, so sessions
// against them fail before any transfer begins.
var ErrAuthenticationRequired = errors.New("server requires authentication")

// FileErrorKind classifies per-file failures.
type FileErrorKind uint8

const (
	// FileErrorKindStorage indicates a local filesystem failure while
	// staging, committing, or materializing content.
	FileErrorKindStorage FileErrorKind = iota
	// FileErrorKindBasis indicates a failure to read the local basis during
	// reconstruction.
	FileErrorKindBasis
	// FileErrorKindDigest indicates that a reconstructed file failed
	// whole-file digest verification.
	FileErrorKindDigest
	// FileErrorKindInvalidName indicates a list entry whose name can't be
	// safely localized beneath the transfer root.
	FileErrorKindInvalidName
	// FileErrorKindUnanswered indicates a requested file that the server
	// never sent, usually because it became unreadable on the remote end.
	FileErrorKindUnanswered
)

// String returns a human-readable description of the failure kind.
func (k FileErrorKind) String() string {
	switch k {
	case FileErrorKindStorage:
		return "storage failure"
	case FileErrorKindBasis:
		return "basis read failure"
	case FileErrorKindDigest:
		return "digest mismatch"
	case FileErrorKindInvalidName:
		return "invalid name"
	case FileErrorKindUnanswered:
		return "not sent by server"
	default:
		return "unknown failure"
	}
}

// FileError records a failure scoped to a single file. Such failures don't
// abort sessions: the affected file is left in its previous state (or
// absent) and the session continues with the remaining files.
type FileError struct {
	// Path is the file's path relative to the transfer root.
	Path string
	// Kind classifies the failure.
	Kind FileErrorKind
	// Err is the underlying error, if any.
	Err error
}

// Error implements error.
func (e *FileError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Kind)
}

// Unwrap returns the underlying error, if any.
func (e *FileError) Unwrap() error {
	return e.Err
}
