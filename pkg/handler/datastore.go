// Package handler declares the storage-facing contracts of a tus upload
// server. The HTTP framing itself lives in the consuming server; the types
// here are the seam between that server and a storage backend such as
// s3store.
package handler

import (
	"context"
	"io"
)

type MetaData map[string]string

// FileInfo contains information about a single upload resource.
type FileInfo struct {
	// ID is the unique identifier of the upload resource.
	ID string
	// Total file size in bytes specified in the NewUpload call
	Size int64
	// Indicates whether the total file size is deferred until later
	SizeIsDeferred bool
	// Offset in bytes (zero-based)
	Offset int64
	// MetaData is the user-supplied meta data of the upload. It may contain
	// a contentType entry which storage backends propagate to the final
	// object.
	MetaData MetaData
	// Storage contains information about where the data storage saves the
	// upload, for example a bucket and object key. The available values vary
	// depending on what data store is used. This map may also be nil.
	Storage map[string]string
}

type Upload interface {
	// Write the chunk read from src into the upload at the given offset. The
	// server will take care of validating the offset and limiting the size
	// of the src to not overflow the upload's size. It will also lock the
	// upload so that only one write happens per upload at any time.
	// The function call must return the number of bytes written.
	WriteChunk(ctx context.Context, offset int64, src io.Reader) (int64, error)
	// Read the fileinformation used to validate the offset and respond to
	// HEAD requests.
	GetInfo(ctx context.Context) (FileInfo, error)
	// GetReader returns an io.ReadCloser which allows iterating of the
	// content of an upload.
	GetReader(ctx context.Context) (io.ReadCloser, error)
	// FinishUpload executes additional operations for the finished upload
	// which is expected to be fully completed.
	FinishUpload(ctx context.Context) error
}

// DataStore is the base interface for storages to implement. It provides
// functions to create new uploads and fetch existing ones.
type DataStore interface {
	// Create a new upload using the size as the file's length. The method
	// must return an unique id which is used to identify the upload. If no
	// backend specifies the id you may want to use the uid package to
	// generate one. The properties Size and MetaData will be filled.
	NewUpload(ctx context.Context, info FileInfo) (upload Upload, err error)

	// GetUpload fetches the upload with a given ID. If no such upload can be
	// found, ErrNotFound must be returned, either by GetUpload itself or by
	// the first operation on the returned upload.
	GetUpload(ctx context.Context, id string) (upload Upload, err error)
}

type TerminatableUpload interface {
	// Terminate an upload so any further requests to the upload resource
	// will return the ErrNotFound error.
	Terminate(ctx context.Context) error
}

// TerminaterDataStore is the interface which must be implemented by
// DataStores if they want to receive DELETE requests using the Handler. If
// this interface is not implemented, no request handler for this method is
// attached.
type TerminaterDataStore interface {
	AsTerminatableUpload(upload Upload) TerminatableUpload
}

// LengthDeferrerDataStore is the interface that must be implemented if the
// creation-defer-length extension should be enabled. The extension enables a
// client to upload files when their total size is not yet known. Instead,
// the client must send the total size as soon as it becomes known.
type LengthDeferrerDataStore interface {
	AsLengthDeclarableUpload(upload Upload) LengthDeclarableUpload
}

type LengthDeclarableUpload interface {
	DeclareLength(ctx context.Context, length int64) error
}

// Locker is the interface required for custom lock persisting mechanisms.
// Common ways to store this information is in memory, on disk or using an
// external service, such as Redis.
// When multiple processes are attempting to access an upload, whether it be
// by reading or writing, a synchronization mechanism is required to prevent
// data corruption, especially to ensure correct offset values and the proper
// order of chunks inside a single upload.
type Locker interface {
	// NewLock creates a new unlocked lock object for the given upload ID.
	NewLock(id string) (Lock, error)
}

// Lock is the interface for a lock as returned from a Locker.
type Lock interface {
	// Lock attempts to obtain an exclusive lock for the upload specified
	// by its id.
	// If the lock can be acquired, it will return without error. The
	// requestUnlock callback is invoked when another caller attempts to
	// create a lock. In this case, the holder of the lock should attempt to
	// release the lock as soon as possible.
	// If the lock is already held, the holder's requestUnlock function will
	// be invoked to request the lock to be released. If the context is
	// cancelled before the lock can be acquired, ErrLockTimeout will be
	// returned without acquiring the lock.
	Lock(ctx context.Context, requestUnlock func()) error
	// Unlock releases an existing lock for the given upload.
	Unlock() error
}
