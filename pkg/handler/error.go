package handler

// Error represents an error that is reported back to the tus client in the
// HTTP response. It carries a stable, machine-readable error code next to a
// human-readable message.
type Error struct {
	ErrorCode string
	Message   string
}

func (e Error) Error() string {
	return e.ErrorCode + ": " + e.Message
}

// NewError constructs a new Error object with the given error code and
// message.
func NewError(errCode string, message string) Error {
	return Error{
		ErrorCode: errCode,
		Message:   message,
	}
}

var (
	// ErrNotFound is returned by stores whenever the upload, or its info
	// object, does not exist. It is also the result of removing an upload
	// that has already been removed.
	ErrNotFound = NewError("ERR_UPLOAD_NOT_FOUND", "upload not found")
	// ErrUploadNotFinished is returned when the content of an upload is
	// requested before its multipart upload has been completed.
	ErrUploadNotFinished = NewError("ERR_INCOMPLETE_UPLOAD", "cannot stream non-finished upload")
	// ErrUploadLengthDeferred is returned when data is written to an upload
	// whose total length has not been declared yet.
	ErrUploadLengthDeferred = NewError("ERR_UPLOAD_LENGTH_DEFERRED", "upload length must be declared before writing")
	// ErrLockTimeout is returned by lockers when a lock could not be
	// acquired before the context expired.
	ErrLockTimeout = NewError("ERR_LOCK_TIMEOUT", "failed to acquire lock before deadline")
	// ErrFileLocked is returned when an upload is locked by another request
	// or instance.
	ErrFileLocked = NewError("ERR_UPLOAD_LOCKED", "file currently locked")
)
