// Package s3store provides a storage backend using AWS S3 or compatible
// servers.
//
// # Configuration
//
// In order to allow this backend to function properly, the user accessing
// the bucket must have at least the following AWS IAM policy permissions for
// the bucket and all of its subresources:
//
//	s3:AbortMultipartUpload
//	s3:DeleteObject
//	s3:GetObject
//	s3:ListMultipartUploadParts
//	s3:PutObject
//
// While this package uses the official AWS SDK for Go, S3Store is able to
// work with any S3-compatible service. In order to change the HTTP endpoint
// used for sending requests, consult the AWS Go SDK documentation.
//
// # Implementation
//
// Once a new tus upload is initiated, multiple objects in S3 are created:
//
// First of all, a new info object is stored which contains a JSON-encoded
// blob of general information about the upload including its size and meta
// data. This kind of object has the suffix ".info" in its key. Its S3 user
// metadata binds the upload to its multipart upload through the upload-id
// entry, next to the tus protocol version under tus-version. The JSON body
// is authoritative for the upload's meta data because S3 user metadata is
// restricted to ASCII and would be lossy.
//
// In addition a new multipart upload
// (http://docs.aws.amazon.com/AmazonS3/latest/dev/uploadobjusingmpu.html) is
// created. Whenever a new chunk is uploaded to the server using a PATCH
// request, a new part is pushed to the multipart upload on S3.
//
// If the tail of a PATCH request is smaller than the minimum part size of
// 5MB, it cannot be uploaded as a part and is instead saved in a separate
// object with the suffix ".part". When the next PATCH request arrives, this
// incomplete part is prepended to the request's first chunk on disk and the
// combined data continues the multipart upload.
//
// Once the upload is finished, the multipart upload is completed, resulting
// in the entire file being stored in the bucket. The info object, containing
// meta data, is not deleted.
//
// If an upload is about to being terminated, the multipart upload is
// aborted which removes all of the uploaded parts from the bucket. In
// addition, the info object and an incomplete part object, if one exists,
// are also deleted. If the upload has been finished already, the finished
// object containing the entire upload is also removed.
//
// # Considerations
//
// In order to support tus' principle of resumable upload, S3's
// Multipart-Uploads are internally used.
//
// When receiving a PATCH request, its body will be temporarily stored on
// disk. This requirement has been made to ensure the minimum size of a
// single part and to allow the AWS SDK to calculate a checksum. Once the
// part has been uploaded to S3, the temporary file will be removed
// immediately. Therefore, please ensure that the server running this storage
// backend has enough disk space available to hold these caches.
//
// The store does not serialize concurrent operations on the same upload.
// The consuming server must ensure that at most one write is in flight per
// upload id at any time, for example by using one of the locker packages of
// this module.
package s3store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/tuskit/upstore/internal/semaphore"
	"github.com/tuskit/upstore/internal/uid"
	"github.com/tuskit/upstore/pkg/handler"
)

// TusVersion is the tus protocol version recorded in the user metadata of
// the multipart upload and the info object.
const TusVersion = "1.0.0"

// This regular expression matches every character which is not
// considered valid into a header value according to RFC2616.
var nonPrintableRegexp = regexp.MustCompile(`[^\x09\x20-\x7E]`)

// See the handler.DataStore interface for documentation about the different
// methods.
type S3Store struct {
	// Bucket used to store the data in, e.g. "uploadstore.example.com"
	Bucket string
	// ObjectPrefix is prepended to the name of each S3 object that is created
	// to store uploaded files. It can be used to create a pseudo-directory
	// structure in the bucket, e.g. "path/to/my/uploads".
	ObjectPrefix string
	// MetadataObjectPrefix is prepended to the name of each .info and .part
	// S3 object that is created. If it is not set, then ObjectPrefix is used.
	MetadataObjectPrefix string
	// Service specifies an interface used to communicate with the S3 backend.
	// Usually, this is an instance of github.com/aws/aws-sdk-go-v2/service/s3.Client
	// (https://pkg.go.dev/github.com/aws/aws-sdk-go-v2/service/s3#Client).
	Service S3API
	// MaxPartSize specifies the maximum size of a single part uploaded to S3
	// in bytes. This value must be bigger than MinPartSize! In order to
	// choose the correct number, two things have to be kept in mind:
	//
	// If this value is too big and uploading the part to S3 is interrupted
	// unexpectedly, the entire part is discarded and the end user is required
	// to resume the upload and re-upload the entire big part.
	//
	// If this value is too low, a lot of requests to S3 may be made, depending
	// on how fast data is coming in. This may result in an eventual overhead.
	MaxPartSize int64
	// MinPartSize specifies the minimum size of a single part uploaded to S3
	// in bytes. This number needs to match with the underlying S3 backend or
	// else uploaded parts will be rejected. AWS S3, for example, uses 5MB for
	// this value.
	MinPartSize int64
	// PreferredPartSize specifies the preferred size of a single part
	// uploaded to S3. S3Store will attempt to slice the incoming data into
	// parts with this size whenever possible. In some cases, smaller parts
	// are necessary, so not every part may reach this value. The
	// PreferredPartSize must be inside the range of MinPartSize to
	// MaxPartSize.
	PreferredPartSize int64
	// MaxMultipartParts is the maximum number of parts an S3 multipart
	// upload is allowed to have according to AWS S3 API specifications.
	// See: http://docs.aws.amazon.com/AmazonS3/latest/dev/qfacts.html
	MaxMultipartParts int64
	// MaxObjectSize is the maximum size an S3 Object can have according to S3
	// API specifications. See link above.
	MaxObjectSize int64
	// MaxBufferedParts is the number of additional parts that can be received
	// from the client and stored on disk while a part is being uploaded to
	// S3. This can help improve throughput by not blocking the client while
	// the store is communicating with the S3 API, which can have
	// unpredictable latency.
	MaxBufferedParts int64
	// TemporaryDirectory is the path where S3Store will create temporary
	// files on disk during the upload. An empty string ("", the default
	// value) will cause S3Store to use the operating system's default
	// temporary directory.
	TemporaryDirectory string
	// Cache holds the metadata cache mapping upload ids to their resolved
	// upload record and multipart upload id. It defaults to an in-process
	// MemoryKvStore and can be replaced by a distributed implementation. The
	// cache is advisory; correctness never depends on cache hits.
	Cache KvStore

	// uploadSemaphore limits the number of concurrent multipart part uploads to S3.
	uploadSemaphore semaphore.Semaphore

	// requestDurationMetric holds the prometheus instance for storing the request durations.
	requestDurationMetric *prometheus.SummaryVec

	// diskWriteDurationMetric holds the prometheus instance for storing the time it takes to write chunks to disk.
	diskWriteDurationMetric prometheus.Summary

	// uploadSemaphoreDemandMetric holds the prometheus instance for storing the demand on the upload semaphore
	uploadSemaphoreDemandMetric prometheus.Gauge

	// uploadSemaphoreLimitMetric holds the prometheus instance for storing the limit on the upload semaphore
	uploadSemaphoreLimitMetric prometheus.Gauge
}

// The labels to use for observing and storing request duration. One label per operation.
const (
	metricGetInfoObject           = "get_info_object"
	metricPutInfoObject           = "put_info_object"
	metricCreateMultipartUpload   = "create_multipart_upload"
	metricCompleteMultipartUpload = "complete_multipart_upload"
	metricUploadPart              = "upload_part"
	metricListParts               = "list_parts"
	metricHeadPartObject          = "head_part_object"
	metricGetPartObject           = "get_part_object"
	metricPutPartObject           = "put_part_object"
	metricDeletePartObject        = "delete_part_object"
)

// S3API covers the S3 operations the store issues. It is usually satisfied
// by an instance of s3.Client, but can be wrapped, e.g. by s3log, or mocked.
type S3API interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opt ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListParts(ctx context.Context, input *s3.ListPartsInput, opt ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	UploadPart(ctx context.Context, input *s3.UploadPartInput, opt ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opt ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, input *s3.HeadObjectInput, opt ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, input *s3.CreateMultipartUploadInput, opt ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, input *s3.AbortMultipartUploadInput, opt ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opt ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, input *s3.DeleteObjectsInput, opt ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	CompleteMultipartUpload(ctx context.Context, input *s3.CompleteMultipartUploadInput, opt ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
}

// New constructs a new storage using the supplied bucket and service object.
func New(bucket string, service S3API) S3Store {
	requestDurationMetric := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Name:       "upstore_s3_request_duration_ms",
		Help:       "Duration of requests sent to S3 in milliseconds per operation",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	}, []string{"operation"})

	diskWriteDurationMetric := prometheus.NewSummary(prometheus.SummaryOpts{
		Name:       "upstore_s3_disk_write_duration_ms",
		Help:       "Duration of chunk writes to disk in milliseconds",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})

	uploadSemaphoreDemandMetric := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "upstore_s3_upload_semaphore_demand",
		Help: "Number of goroutines wanting to acquire the upload lock or having it acquired",
	})

	uploadSemaphoreLimitMetric := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "upstore_s3_upload_semaphore_limit",
		Help: "Limit of concurrent acquisitions of upload semaphore",
	})

	store := S3Store{
		Bucket:                      bucket,
		Service:                     service,
		MaxPartSize:                 500 * 1024 * 1024,
		MinPartSize:                 5 * 1024 * 1024,
		PreferredPartSize:           8 * 1024 * 1024,
		MaxMultipartParts:           10000,
		MaxObjectSize:               500 * 1024 * 1024 * 10000,
		MaxBufferedParts:            20,
		TemporaryDirectory:          "",
		Cache:                       NewMemoryKvStore(),
		requestDurationMetric:       requestDurationMetric,
		diskWriteDurationMetric:     diskWriteDurationMetric,
		uploadSemaphoreDemandMetric: uploadSemaphoreDemandMetric,
		uploadSemaphoreLimitMetric:  uploadSemaphoreLimitMetric,
	}

	store.SetConcurrentPartUploads(10)
	return store
}

// SetConcurrentPartUploads changes the limit on how many concurrent part uploads to S3 are allowed.
func (store *S3Store) SetConcurrentPartUploads(limit int) {
	store.uploadSemaphore = semaphore.New(limit)
	store.uploadSemaphoreLimitMetric.Set(float64(limit))
}

// UseIn sets this store as the core data store in the passed composer and
// adds all possible extensions to it.
func (store S3Store) UseIn(composer *handler.StoreComposer) {
	composer.UseCore(store)
	composer.UseTerminater(store)
	composer.UseLengthDeferrer(store)
}

// Extensions returns the tus protocol extensions supported by this store.
func (store S3Store) Extensions() []string {
	return []string{"creation", "creation-with-upload", "creation-defer-length", "termination"}
}

func (store S3Store) RegisterMetrics(registry prometheus.Registerer) {
	registry.MustRegister(store.requestDurationMetric)
	registry.MustRegister(store.diskWriteDurationMetric)
	registry.MustRegister(store.uploadSemaphoreDemandMetric)
	registry.MustRegister(store.uploadSemaphoreLimitMetric)
}

func (store S3Store) observeRequestDuration(start time.Time, label string) {
	elapsed := time.Since(start)
	ms := float64(elapsed.Nanoseconds() / int64(time.Millisecond))

	store.requestDurationMetric.WithLabelValues(label).Observe(ms)
}

type s3Upload struct {
	// objectId is the object key under which we save the final file
	objectId string
	// multipartId is the ID given by S3 to us for the multipart upload. It
	// is resolved lazily from the info object's user metadata.
	multipartId string

	store *S3Store

	// info stores the upload's current FileInfo struct. It may be nil if it
	// hasn't been fetched yet from S3. It is populated by getInternalInfo and
	// writeInfo; WriteChunk advances its offset after a successful write.
	info *handler.FileInfo

	// parts collects the contiguous prefix of parts for this upload. It is
	// empty while info is nil.
	parts []*s3Part
	// incompletePartSize is the size of an incomplete part object, if one
	// exists. It will be 0 if info is nil as well.
	incompletePartSize int64
	// completed is set when the multipart upload no longer exists although
	// the info object does, meaning the upload has been finished.
	completed bool
}

// s3Part represents a single part of a S3 multipart upload.
type s3Part struct {
	number int32
	size   int64
	etag   string
}

func (store S3Store) NewUpload(ctx context.Context, info handler.FileInfo) (handler.Upload, error) {
	// An upload larger than MaxObjectSize must throw an error
	if info.Size > store.MaxObjectSize {
		return nil, fmt.Errorf("s3store: upload size of %v bytes exceeds MaxObjectSize of %v bytes", info.Size, store.MaxObjectSize)
	}

	var objectId string
	if info.ID == "" {
		objectId = uid.Uid()
	} else {
		// The tus server above us usually chooses the upload id.
		objectId = info.ID
	}

	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(store.Bucket),
		Key:    store.keyWithPrefix(objectId),
		Metadata: map[string]string{
			"tus-version": TusVersion,
		},
	}
	// A contentType meta data entry is propagated to the final object. All
	// other meta data lives in the info object's JSON body, since S3 user
	// metadata is ASCII-only and would mangle it.
	if contentType, found := info.MetaData["contentType"]; found {
		input.ContentType = aws.String(nonPrintableRegexp.ReplaceAllString(contentType, "?"))
	}

	t := time.Now()
	res, err := store.Service.CreateMultipartUpload(ctx, input)
	store.observeRequestDuration(t, metricCreateMultipartUpload)
	if err != nil {
		return nil, fmt.Errorf("s3store: unable to create multipart upload:\n%s", err)
	}

	multipartId := *res.UploadId
	info.ID = objectId

	info.Storage = map[string]string{
		"Type":   "s3store",
		"Bucket": store.Bucket,
		"Key":    *store.keyWithPrefix(objectId),
	}

	upload := &s3Upload{
		objectId:    objectId,
		multipartId: multipartId,
		store:       &store,
		parts:       []*s3Part{},
	}
	err = upload.writeInfo(ctx, info)
	if err != nil {
		return nil, fmt.Errorf("s3store: unable to create info file:\n%s", err)
	}

	return upload, nil
}

func (store S3Store) GetUpload(ctx context.Context, id string) (handler.Upload, error) {
	if id == "" {
		return nil, handler.ErrNotFound
	}

	// The multipart upload id is resolved once the upload's metadata is
	// first needed.
	return &s3Upload{objectId: id, store: &store, parts: []*s3Part{}}, nil
}

func (store S3Store) AsTerminatableUpload(upload handler.Upload) handler.TerminatableUpload {
	return upload.(*s3Upload)
}

func (store S3Store) AsLengthDeclarableUpload(upload handler.Upload) handler.LengthDeclarableUpload {
	return upload.(*s3Upload)
}

// getMetadata returns the upload record and the multipart upload id bound to
// the given upload id, consulting the cache before fetching the info object.
func (store S3Store) getMetadata(ctx context.Context, objectId string) (info handler.FileInfo, multipartId string, err error) {
	// Cache failures must never fail the operation, so they degrade into a
	// fetch from S3.
	if entry, cacheErr := store.Cache.Get(ctx, objectId); cacheErr == nil && entry != nil {
		return entry.Info, entry.MultipartId, nil
	}

	t := time.Now()
	res, err := store.Service.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(store.Bucket),
		Key:    store.metadataKeyWithPrefix(objectId + ".info"),
	})
	store.observeRequestDuration(t, metricGetInfoObject)
	if err != nil {
		// If the info file is not found, we consider the upload to be
		// non-existant.
		if isUploadNotFoundError(err) {
			return info, "", handler.ErrNotFound
		}
		return info, "", err
	}
	defer res.Body.Close()

	if err := json.NewDecoder(res.Body).Decode(&info); err != nil {
		return info, "", err
	}

	// The info object's user metadata binds the upload to its multipart
	// upload. The AWS SDK exposes user metadata with lowercased keys.
	multipartId = res.Metadata["upload-id"]
	tusVersion := res.Metadata["tus-version"]

	_ = store.Cache.Set(ctx, objectId, &CacheEntry{
		Info:        info,
		MultipartId: multipartId,
		TusVersion:  tusVersion,
	})

	return info, multipartId, nil
}

func (upload *s3Upload) writeInfo(ctx context.Context, info handler.FileInfo) error {
	store := upload.store

	upload.info = &info

	infoJson, err := json.Marshal(info)
	if err != nil {
		return err
	}

	// Create object on S3 containing information about the file. The JSON
	// body is the canonical upload record; the user metadata binds it to the
	// multipart upload.
	t := time.Now()
	_, err = store.Service.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(store.Bucket),
		Key:           store.metadataKeyWithPrefix(upload.objectId + ".info"),
		Body:          bytes.NewReader(infoJson),
		ContentLength: aws.Int64(int64(len(infoJson))),
		Metadata: map[string]string{
			"upload-id":   upload.multipartId,
			"tus-version": TusVersion,
		},
	})
	store.observeRequestDuration(t, metricPutInfoObject)
	if err != nil {
		return err
	}

	_ = store.Cache.Set(ctx, upload.objectId, &CacheEntry{
		Info:        info,
		MultipartId: upload.multipartId,
		TusVersion:  TusVersion,
	})

	return nil
}

func (upload *s3Upload) WriteChunk(ctx context.Context, offset int64, src io.Reader) (int64, error) {
	info, parts, incompletePartSize, err := upload.getInternalInfo(ctx)
	if err != nil {
		return 0, err
	}

	// Once the multipart upload has been completed, the offset already
	// equals the size and further writes carry no bytes. Nothing to do.
	if upload.completed {
		return 0, nil
	}

	// The part size depends on the upload's total size, so the length must
	// have been declared before the first write. The server above us
	// enforces this for defer-length uploads.
	if info.SizeIsDeferred {
		return 0, handler.ErrUploadLengthDeferred
	}

	optimalPartSize, err := upload.store.calcOptimalPartSize(info.Size)
	if err != nil {
		return 0, err
	}

	bytesUploaded, err := upload.uploadParts(ctx, offset, src, parts, incompletePartSize, optimalPartSize)
	if err != nil {
		return bytesUploaded, err
	}

	upload.info.Offset = offset + bytesUploaded

	// If the upload is complete, assemble the parts into the final object
	// and drop the cache entry, whose record now has a stale offset.
	if upload.info.Offset == info.Size {
		if err := upload.FinishUpload(ctx); err != nil {
			return bytesUploaded, err
		}
		upload.completed = true
	}

	return bytesUploaded, nil
}

func (upload *s3Upload) uploadParts(ctx context.Context, offset int64, src io.Reader, parts []*s3Part, incompletePartSize int64, optimalPartSize int64) (int64, error) {
	store := upload.store
	info := *upload.info

	nextPartNum := int32(len(parts) + 1)

	partProducer, fileChan := newS3PartProducer(src, store.MaxBufferedParts, store.TemporaryDirectory, store.diskWriteDurationMetric)

	producerCtx, cancelProducer := context.WithCancel(ctx)
	defer func() {
		cancelProducer()
		partProducer.closeUnreadFiles()
	}()
	go partProducer.produce(producerCtx, optimalPartSize)

	// All part tasks of one write are joined before returning; a failing
	// task does not cancel its siblings since their uploaded parts remain
	// durable and resumable either way.
	var group errgroup.Group

	bytesUploaded := int64(0)
	chunkNumber := 0
	// newIncompletePartSize tracks, on the control path, what the carry
	// object will contain once all tasks have finished.
	newIncompletePartSize := incompletePartSize

	for {
		// We acquire the semaphore before starting the goroutine to avoid
		// starting many goroutines, most of which are just waiting for the
		// lock. We also acquire the semaphore before reading from the
		// channel to reduce the number of part files laying around on disk
		// without being used.
		store.acquireUploadSemaphore()
		chunk, more := <-fileChan
		if !more {
			store.releaseUploadSemaphore()
			break
		}

		// Part numbers and chunk numbers are assigned here, on the single
		// control path, in splitter-emission order. The spawned task only
		// captures its own values.
		partNumber := nextPartNum
		chunkSize := chunk.size
		carrySize := int64(0)
		if chunkNumber == 0 {
			carrySize = incompletePartSize
		}
		isFinalPart := info.Size == offset+bytesUploaded+chunk.size

		if chunk.size+carrySize >= store.MinPartSize || isFinalPart {
			newIncompletePartSize = 0
			part := &s3Part{
				etag:   "",
				size:   chunk.size,
				number: partNumber,
			}
			upload.parts = append(upload.parts, part)

			group.Go(func() error {
				defer store.releaseUploadSemaphore()
				defer chunk.cleanup()

				if carrySize > 0 {
					if err := upload.consumeIncompletePart(ctx, &chunk); err != nil {
						return err
					}
					part.size = chunk.size
				}

				t := time.Now()
				res, err := store.Service.UploadPart(ctx, &s3.UploadPartInput{
					Bucket:     aws.String(store.Bucket),
					Key:        store.keyWithPrefix(upload.objectId),
					UploadId:   aws.String(upload.multipartId),
					PartNumber: aws.Int32(part.number),
					Body:       chunk.file,
				})
				store.observeRequestDuration(t, metricUploadPart)
				if err != nil {
					return err
				}
				part.etag = *res.ETag
				return nil
			})
		} else {
			newIncompletePartSize = chunk.size + carrySize
			group.Go(func() error {
				defer store.releaseUploadSemaphore()
				defer chunk.cleanup()

				if carrySize > 0 {
					// The previous carry is still below the minimum part
					// size even with the new tail, so the merged data
					// becomes the new carry.
					if err := upload.consumeIncompletePart(ctx, &chunk); err != nil {
						return err
					}
				}

				return store.putIncompletePartForUpload(ctx, upload.objectId, chunk.file)
			})
		}

		bytesUploaded += chunkSize
		nextPartNum += 1
		chunkNumber += 1
	}

	if err := group.Wait(); err != nil {
		return 0, err
	}
	if partProducer.err != nil {
		return 0, partProducer.err
	}

	upload.incompletePartSize = newIncompletePartSize

	return bytesUploaded, nil
}

// consumeIncompletePart downloads the upload's incomplete part object,
// prepends its content to the given chunk file and deletes the object. The
// chunk's size grows by the carry's length.
func (upload *s3Upload) consumeIncompletePart(ctx context.Context, chunk *fileChunk) error {
	store := upload.store

	t := time.Now()
	carry, err := store.getIncompletePartForUpload(ctx, upload.objectId)
	if err != nil {
		return err
	}
	if carry == nil {
		return fmt.Errorf("s3store: expected an incomplete part for upload %s but did not find one", upload.objectId)
	}
	defer carry.Body.Close()

	carrySize, err := store.prependIncompletePart(chunk.path, carry.Body)
	store.observeRequestDuration(t, metricGetPartObject)
	if err != nil {
		return err
	}

	// The chunk's backing file was atomically replaced, so reopen it.
	if err := chunk.reopen(); err != nil {
		return err
	}
	chunk.size += carrySize

	return store.deleteIncompletePartForUpload(ctx, upload.objectId)
}

// prependIncompletePart rewrites the file at chunkPath so that its content
// is the carry stream followed by the file's previous content. The data is
// staged in a sibling file which is renamed over the original, so a crash
// leaves either the old or the new chunk intact, never a half-written one.
// It returns the number of carry bytes that were prepended.
func (store S3Store) prependIncompletePart(chunkPath string, carry io.Reader) (int64, error) {
	sibling, err := os.Create(chunkPath + ".prepend")
	if err != nil {
		return 0, err
	}

	carrySize, err := func() (int64, error) {
		defer sibling.Close()

		n, err := io.Copy(sibling, carry)
		if err != nil {
			return 0, err
		}

		chunkFile, err := os.Open(chunkPath)
		if err != nil {
			return 0, err
		}
		defer chunkFile.Close()

		if _, err := io.Copy(sibling, chunkFile); err != nil {
			return 0, err
		}
		return n, nil
	}()
	if err != nil {
		os.Remove(sibling.Name())
		return 0, err
	}

	if err := os.Rename(sibling.Name(), chunkPath); err != nil {
		os.Remove(sibling.Name())
		return 0, err
	}

	return carrySize, nil
}

func (upload *s3Upload) GetInfo(ctx context.Context) (info handler.FileInfo, err error) {
	info, _, _, err = upload.getInternalInfo(ctx)
	return info, err
}

func (upload *s3Upload) getInternalInfo(ctx context.Context) (info handler.FileInfo, parts []*s3Part, incompletePartSize int64, err error) {
	if upload.info != nil {
		return *upload.info, upload.parts, upload.incompletePartSize, nil
	}

	info, parts, incompletePartSize, err = upload.fetchInfo(ctx)
	if err != nil {
		return info, parts, incompletePartSize, err
	}

	upload.info = &info
	upload.parts = parts
	upload.incompletePartSize = incompletePartSize
	return info, parts, incompletePartSize, nil
}

func (upload *s3Upload) fetchInfo(ctx context.Context) (info handler.FileInfo, parts []*s3Part, incompletePartSize int64, err error) {
	store := upload.store

	// The multipart upload id comes from the info object, so it must be
	// resolved before the parts can be listed.
	info, multipartId, err := store.getMetadata(ctx, upload.objectId)
	if err != nil {
		return info, nil, 0, err
	}
	upload.multipartId = multipartId

	var wg sync.WaitGroup
	wg.Add(2)

	// We store all errors in here and handle them all together once the wait
	// group is done.
	var partsErr error
	var incompletePartSizeErr error

	go func() {
		defer wg.Done()

		// Get uploaded parts and their offset
		parts, partsErr = store.listAllParts(ctx, upload.objectId, multipartId)
	}()

	go func() {
		defer wg.Done()

		// Get size of optional incomplete part file.
		incompletePartSize, incompletePartSizeErr = store.headIncompletePartForUpload(ctx, upload.objectId)
	}()

	wg.Wait()

	if partsErr != nil {
		// Check if the error is caused by the multipart upload not being
		// found. This happens when the multipart upload has already been
		// completed or aborted. Since we already found the info object, we
		// know that the upload has been completed and therefore can ensure
		// the offset is the size. AWS S3 returns NoSuchUpload, but other
		// implementations, such as DigitalOcean Spaces, return NoSuchKey.
		if isUploadNotFoundError(partsErr) {
			info.Offset = info.Size
			upload.completed = true
			return info, nil, 0, nil
		}
		return info, nil, 0, partsErr
	}

	if incompletePartSizeErr != nil {
		return info, nil, 0, incompletePartSizeErr
	}

	// The offset is the sum of all part sizes and the size of the incomplete
	// part file.
	offset := incompletePartSize
	for _, part := range parts {
		offset += part.size
	}

	info.Offset = offset

	return info, parts, incompletePartSize, nil
}

func (upload *s3Upload) GetReader(ctx context.Context) (io.ReadCloser, error) {
	store := upload.store

	// Attempt to get upload content
	res, err := store.Service.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(store.Bucket),
		Key:    store.keyWithPrefix(upload.objectId),
	})
	if err == nil {
		// No error occurred, and we are able to stream the object
		return res.Body, nil
	}

	// If the file cannot be found, we ignore this error and continue since
	// the upload may not have been finished yet. In this case we do not want
	// to return a ErrNotFound but a more meaningful message.
	if !isAwsError[*types.NoSuchKey](err) {
		return nil, err
	}

	// Test whether the multipart upload exists to find out if the upload
	// never existed or just has not been finished yet
	if upload.multipartId == "" {
		if _, _, _, err := upload.getInternalInfo(ctx); err != nil {
			return nil, err
		}
	}

	_, err = store.Service.ListParts(ctx, &s3.ListPartsInput{
		Bucket:   aws.String(store.Bucket),
		Key:      store.keyWithPrefix(upload.objectId),
		UploadId: aws.String(upload.multipartId),
		MaxParts: aws.Int32(0),
	})
	if err == nil {
		// The multipart upload still exists, which means we cannot download it yet
		return nil, handler.ErrUploadNotFinished
	}

	if isUploadNotFoundError(err) {
		// Neither the object nor the multipart upload exists, so we return a 404
		return nil, handler.ErrNotFound
	}

	return nil, err
}

func (upload *s3Upload) Terminate(ctx context.Context) error {
	store := upload.store

	// Resolve the multipart upload id first; a missing info object means the
	// upload has already been removed.
	_, multipartId, err := store.getMetadata(ctx, upload.objectId)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	errs := make([]error, 0, 3)
	var mutex sync.Mutex

	go func() {
		defer wg.Done()

		// Abort the multipart upload
		_, err := store.Service.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(store.Bucket),
			Key:      store.keyWithPrefix(upload.objectId),
			UploadId: aws.String(multipartId),
		})
		if err != nil {
			// A gone multipart upload means the upload was completed or
			// terminated before. The object deletions still proceed; the
			// caller learns about the state through ErrNotFound.
			if isUploadNotFoundError(err) {
				err = handler.ErrNotFound
			}
			mutex.Lock()
			errs = append(errs, err)
			mutex.Unlock()
		}
	}()

	go func() {
		defer wg.Done()

		// Delete the info, content and incomplete part files
		res, err := store.Service.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(store.Bucket),
			Delete: &types.Delete{
				Objects: []types.ObjectIdentifier{
					{
						Key: store.keyWithPrefix(upload.objectId),
					},
					{
						Key: store.metadataKeyWithPrefix(upload.objectId + ".part"),
					},
					{
						Key: store.metadataKeyWithPrefix(upload.objectId + ".info"),
					},
				},
				Quiet: aws.Bool(true),
			},
		})

		if err != nil {
			mutex.Lock()
			errs = append(errs, err)
			mutex.Unlock()
			return
		}

		for _, s3Err := range res.Errors {
			if !strings.EqualFold(aws.ToString(s3Err.Code), "NoSuchKey") {
				mutex.Lock()
				errs = append(errs, fmt.Errorf("AWS S3 Error (%s) for object %s: %s", aws.ToString(s3Err.Code), aws.ToString(s3Err.Key), aws.ToString(s3Err.Message)))
				mutex.Unlock()
			}
		}
	}()

	wg.Wait()

	_ = store.Cache.Delete(ctx, upload.objectId)

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

func (upload *s3Upload) FinishUpload(ctx context.Context) error {
	store := upload.store

	// Get uploaded parts
	_, parts, _, err := upload.getInternalInfo(ctx)
	if err != nil {
		return err
	}

	if len(parts) == 0 {
		// AWS expects at least one part to be present when completing the
		// multipart upload. So if the tus upload has a size of 0, we create
		// an empty part and use that for completing the multipart upload.
		res, err := store.Service.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(store.Bucket),
			Key:        store.keyWithPrefix(upload.objectId),
			UploadId:   aws.String(upload.multipartId),
			PartNumber: aws.Int32(1),
			Body:       bytes.NewReader([]byte{}),
		})
		if err != nil {
			return err
		}

		parts = []*s3Part{
			{
				etag:   *res.ETag,
				number: 1,
				size:   0,
			},
		}
	}

	// Transform the []*s3Part slice to a []types.CompletedPart slice for the
	// next request. S3 assembles the object in part-number order.
	completedParts := make([]types.CompletedPart, len(parts))

	for index, part := range parts {
		completedParts[index] = types.CompletedPart{
			ETag:       aws.String(part.etag),
			PartNumber: aws.Int32(part.number),
		}
	}

	t := time.Now()
	_, err = store.Service.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(store.Bucket),
		Key:      store.keyWithPrefix(upload.objectId),
		UploadId: aws.String(upload.multipartId),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completedParts,
		},
	})
	store.observeRequestDuration(t, metricCompleteMultipartUpload)
	if err != nil {
		return err
	}

	_ = store.Cache.Delete(ctx, upload.objectId)

	return nil
}

func (upload *s3Upload) DeclareLength(ctx context.Context, length int64) error {
	info, err := upload.GetInfo(ctx)
	if err != nil {
		return err
	}
	info.Size = length
	info.SizeIsDeferred = false

	// The rewritten info object must be durable before the first write may
	// rely on the declared length.
	return upload.writeInfo(ctx, info)
}

// listAllParts pages through ListParts and returns the contiguous prefix of
// parts, sorted by part number. Parts behind a numbering gap belong to a
// failed earlier write and must not count towards the offset.
func (store S3Store) listAllParts(ctx context.Context, objectId string, multipartId string) (parts []*s3Part, err error) {
	var partMarker *string
	for {
		t := time.Now()

		// Get uploaded parts
		listPtr, err := store.Service.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(store.Bucket),
			Key:              store.keyWithPrefix(objectId),
			UploadId:         aws.String(multipartId),
			PartNumberMarker: partMarker,
		})
		store.observeRequestDuration(t, metricListParts)
		if err != nil {
			return nil, err
		}

		parts = slices.Grow(parts, len(parts)+len(listPtr.Parts))
		for _, part := range listPtr.Parts {
			parts = append(parts, &s3Part{
				number: aws.ToInt32(part.PartNumber),
				size:   aws.ToInt64(part.Size),
				etag:   aws.ToString(part.ETag),
			})
		}

		if !aws.ToBool(listPtr.IsTruncated) {
			break
		}

		partMarker = listPtr.NextPartNumberMarker
		// Some S3 implementations indefinitely return a "0" marker instead
		// of clearing IsTruncated on the last page.
		if partMarker == nil || *partMarker == "" || *partMarker == "0" {
			break
		}
	}

	sort.Slice(parts, func(i, j int) bool {
		return parts[i].number < parts[j].number
	})

	// Only the dense 1..N prefix is usable: a gap means a preceding part
	// upload failed and everything behind it must be re-uploaded.
	for i, part := range parts {
		if part.number != int32(i+1) {
			parts = parts[:i]
			break
		}
	}

	return parts, nil
}

func (store S3Store) getIncompletePartForUpload(ctx context.Context, objectId string) (*s3.GetObjectOutput, error) {
	obj, err := store.Service.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(store.Bucket),
		Key:    store.metadataKeyWithPrefix(objectId + ".part"),
	})

	if err != nil && (isAwsError[*types.NoSuchKey](err) || isAwsError[*types.NotFound](err)) {
		return nil, nil
	}

	return obj, err
}

func (store S3Store) headIncompletePartForUpload(ctx context.Context, objectId string) (int64, error) {
	t := time.Now()
	obj, err := store.Service.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(store.Bucket),
		Key:    store.metadataKeyWithPrefix(objectId + ".part"),
	})
	store.observeRequestDuration(t, metricHeadPartObject)

	if err != nil {
		if isAwsError[*types.NoSuchKey](err) || isAwsError[*types.NotFound](err) {
			err = nil
		}
		return 0, err
	}

	return aws.ToInt64(obj.ContentLength), nil
}

func (store S3Store) putIncompletePartForUpload(ctx context.Context, objectId string, file io.ReadSeeker) error {
	t := time.Now()
	_, err := store.Service.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(store.Bucket),
		Key:    store.metadataKeyWithPrefix(objectId + ".part"),
		Body:   file,
	})
	store.observeRequestDuration(t, metricPutPartObject)
	return err
}

func (store S3Store) deleteIncompletePartForUpload(ctx context.Context, objectId string) error {
	t := time.Now()
	_, err := store.Service.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(store.Bucket),
		Key:    store.metadataKeyWithPrefix(objectId + ".part"),
	})
	store.observeRequestDuration(t, metricDeletePartObject)
	return err
}

// isAwsError tests whether an error object is an instance of the AWS error
// specified by its type.
func isAwsError[T error](err error) bool {
	var awsErr T
	return errors.As(err, &awsErr)
}

// isAwsErrorCode matches the provider's error code case-insensitively, since
// S3-compatible services disagree about capitalization.
func isAwsErrorCode(err error, code string) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return strings.EqualFold(apiErr.ErrorCode(), code)
	}
	return false
}

// isUploadNotFoundError reports whether an S3 error means that an upload, or
// its multipart upload, does not exist. AWS S3 returns NoSuchUpload or
// NoSuchKey here, but some providers, e.g. DigitalOcean Spaces, return the
// codes interchangeably. The AWS Go SDK v2 also has a bug where
// types.NoSuchUpload is not always returned, so the error code itself is
// checked as well. See https://github.com/aws/aws-sdk-go-v2/issues/1635
func isUploadNotFoundError(err error) bool {
	return isAwsError[*types.NoSuchUpload](err) ||
		isAwsError[*types.NoSuchKey](err) ||
		isAwsError[*types.NotFound](err) ||
		isAwsErrorCode(err, "NoSuchUpload") ||
		isAwsErrorCode(err, "NoSuchKey") ||
		isAwsErrorCode(err, "NotFound")
}

func (store S3Store) calcOptimalPartSize(size int64) (optimalPartSize int64, err error) {
	switch {
	// When upload is smaller or equal to PreferredPartSize, we upload in
	// just one part.
	case size <= store.PreferredPartSize:
		optimalPartSize = size
	// Does the upload fit in MaxMultipartParts parts or less with
	// PreferredPartSize.
	case size <= store.PreferredPartSize*store.MaxMultipartParts:
		optimalPartSize = store.PreferredPartSize
	// If the size is an exact multiple of MaxMultipartParts, the division
	// yields the smallest part size that still fits the part count cap.
	case size%store.MaxMultipartParts == 0:
		optimalPartSize = size / store.MaxMultipartParts
	// Otherwise round the integer division up, as rounding down would
	// require one part more than MaxMultipartParts allows.
	default:
		optimalPartSize = size/store.MaxMultipartParts + 1
	}

	// optimalPartSize must never exceed MaxPartSize
	if optimalPartSize > store.MaxPartSize {
		return optimalPartSize, fmt.Errorf("calcOptimalPartSize: to upload %v bytes optimalPartSize %v must exceed MaxPartSize %v", size, optimalPartSize, store.MaxPartSize)
	}
	return optimalPartSize, nil
}

func (store S3Store) keyWithPrefix(key string) *string {
	prefix := store.ObjectPrefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return aws.String(prefix + key)
}

func (store S3Store) metadataKeyWithPrefix(key string) *string {
	prefix := store.MetadataObjectPrefix
	if prefix == "" {
		prefix = store.ObjectPrefix
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return aws.String(prefix + key)
}

func (store S3Store) acquireUploadSemaphore() {
	store.uploadSemaphoreDemandMetric.Inc()
	store.uploadSemaphore.Acquire()
}

func (store S3Store) releaseUploadSemaphore() {
	store.uploadSemaphore.Release()
	store.uploadSemaphoreDemandMetric.Dec()
}
