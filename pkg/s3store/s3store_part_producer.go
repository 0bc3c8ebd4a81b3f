package s3store

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// s3PartProducer converts a stream of bytes from the reader into a stream of
// files on disk. Each file is filled up to the requested part size; only the
// last file of a stream may be smaller. Empty files are never emitted.
type s3PartProducer struct {
	tmpDir                  string
	files                   chan fileChunk
	err                     error
	r                       io.Reader
	diskWriteDurationMetric prometheus.Summary
}

// fileChunk is one unit produced by the s3PartProducer. The file is open and
// positioned at the beginning of the chunk's content.
type fileChunk struct {
	file *os.File
	path string
	size int64
}

// reopen opens the chunk's backing file again after its content has been
// replaced on disk, e.g. after an incomplete part was prepended to it.
func (fc *fileChunk) reopen() error {
	if err := fc.file.Close(); err != nil {
		return err
	}

	file, err := os.Open(fc.path)
	if err != nil {
		return err
	}
	fc.file = file
	return nil
}

// cleanup closes and removes the chunk's backing file. Chunk files are
// short-lived, so failures to remove them are not surfaced to the caller.
func (fc *fileChunk) cleanup() {
	fc.file.Close()
	os.Remove(fc.path)
}

func newS3PartProducer(source io.Reader, backlog int64, tmpDir string, diskWriteDurationMetric prometheus.Summary) (s3PartProducer, <-chan fileChunk) {
	fileChan := make(chan fileChunk, backlog)

	partProducer := s3PartProducer{
		tmpDir:                  tmpDir,
		files:                   fileChan,
		r:                       source,
		diskWriteDurationMetric: diskWriteDurationMetric,
	}

	return partProducer, fileChan
}

// closeUnreadFiles should always be called by the consumer to ensure that
// chunk files which were produced but never consumed are removed from disk.
func (spp *s3PartProducer) closeUnreadFiles() {
	for chunk := range spp.files {
		chunk.cleanup()
	}
}

func (spp *s3PartProducer) produce(ctx context.Context, partSize int64) {
outerloop:
	for {
		chunk, ok, err := spp.nextPart(partSize)
		if err != nil {
			// An error occured. Stop producing.
			spp.err = err
			break
		}
		if !ok {
			// The source was fully read. Stop producing.
			break
		}
		select {
		case spp.files <- chunk:
		case <-ctx.Done():
			// We are told to stop producing. Stop producing.
			chunk.cleanup()
			break outerloop
		}
	}

	close(spp.files)
}

func (spp *s3PartProducer) nextPart(size int64) (fileChunk, bool, error) {
	// Create a temporary file to store the part
	file, err := os.CreateTemp(spp.tmpDir, "upstore-s3-tmp-")
	if err != nil {
		return fileChunk{}, false, err
	}

	limitedReader := io.LimitReader(spp.r, size)
	start := time.Now()

	n, err := io.Copy(file, limitedReader)
	if err != nil {
		cleanUpTempFile(file)
		return fileChunk{}, false, err
	}

	// If the entire request body is read and no more data is available,
	// io.Copy returns 0 since it is unable to read any bytes. In that
	// case, we can close the s3PartProducer.
	if n == 0 {
		cleanUpTempFile(file)
		return fileChunk{}, false, nil
	}

	elapsed := time.Since(start)
	ms := float64(elapsed.Nanoseconds() / int64(time.Millisecond))
	spp.diskWriteDurationMetric.Observe(ms)

	// Seek to the beginning of the file
	if _, err := file.Seek(0, 0); err != nil {
		cleanUpTempFile(file)
		return fileChunk{}, false, err
	}

	return fileChunk{
		file: file,
		path: file.Name(),
		size: n,
	}, true, nil
}

func cleanUpTempFile(file *os.File) {
	file.Close()
	os.Remove(file.Name())
}
