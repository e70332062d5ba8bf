package errs

import (
	"errors"
	"fmt"
	"io/fs"
	"runtime"
	"syscall"
)

// Storage error codes. EEMPTY is our own: the temp file came back zero bytes.
const (
	CodeAccessDenied = "EACCES"
	CodeNotPermitted = "EPERM"
	CodeBusy         = "EBUSY"
	CodeNoSpace      = "ENOSPC"
	CodeEmptyWrite   = "EEMPTY"
	CodeUnknown      = "UNKNOWN"
)

// StorageError is a persisted-state failure with a platform-aware hint.
type StorageError struct {
	Message string
	Code    string
	Path    string
	Hint    string
	Cause   error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error (%s) at %s: %s. %s", e.Code, e.Path, e.Message, e.Hint)
}

func (e *StorageError) Unwrap() error { return e.Cause }

// NewStorageError classifies a filesystem error and attaches a hint the
// user can act on.
func NewStorageError(message, path string, cause error) *StorageError {
	code := classifyFSError(cause)
	return &StorageError{
		Message: message,
		Code:    code,
		Path:    path,
		Hint:    storageHint(code, path),
		Cause:   cause,
	}
}

// NewEmptyWriteError is raised when the temp file verification finds zero bytes.
func NewEmptyWriteError(path string) *StorageError {
	return &StorageError{
		Message: "written file was 0 bytes",
		Code:    CodeEmptyWrite,
		Path:    path,
		Hint:    storageHint(CodeEmptyWrite, path),
	}
}

func classifyFSError(err error) string {
	if err == nil {
		return CodeUnknown
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EACCES:
			return CodeAccessDenied
		case syscall.EPERM:
			return CodeNotPermitted
		case syscall.EBUSY:
			return CodeBusy
		case syscall.ENOSPC:
			return CodeNoSpace
		}
	}
	if errors.Is(err, fs.ErrPermission) {
		return CodeAccessDenied
	}
	return CodeUnknown
}

func storageHint(code, path string) string {
	switch code {
	case CodeAccessDenied, CodeNotPermitted:
		if runtime.GOOS == "windows" {
			return "Check antivirus exclusions and verify write permissions for the storage folder."
		}
		return fmt.Sprintf("Check folder permissions; try: chmod 755 %s", path)
	case CodeBusy:
		return "The file is locked by another process. Close other instances and retry."
	case CodeNoSpace:
		return "The disk is full. Free up space and retry."
	case CodeEmptyWrite:
		return "The written file was empty; the previous storage file was left untouched."
	default:
		return "Verify the path exists and is writable."
	}
}
