package s3store

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type InfiniteZeroReader struct{}

func (izr InfiniteZeroReader) Read(b []byte) (int, error) {
	b[0] = 0
	return 1, nil
}

type ErrorReader struct{}

func (ErrorReader) Read(b []byte) (int, error) {
	return 0, errors.New("error from ErrorReader")
}

func testSummary() prometheus.Summary {
	return prometheus.NewSummary(prometheus.SummaryOpts{Name: "test_summary"})
}

func TestPartProducerConsumesEntireReaderWithoutError(t *testing.T) {
	expectedStr := "test"
	r := strings.NewReader(expectedStr)
	pp, fileChan := newS3PartProducer(r, 0, "", testSummary())
	go pp.produce(context.Background(), 1)

	actualStr := ""
	b := make([]byte, 1)
	for chunk := range fileChan {
		n, err := chunk.file.Read(b)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if n != 1 {
			t.Fatalf("incorrect number of bytes read: wanted %d, got %d", 1, n)
		}
		if chunk.size != 1 {
			t.Fatalf("incorrect chunk size: wanted %d, got %d", 1, chunk.size)
		}
		actualStr += string(b)

		chunk.cleanup()
	}

	if actualStr != expectedStr {
		t.Errorf("incorrect string read from channel: wanted %s, got %s", expectedStr, actualStr)
	}

	if pp.err != nil {
		t.Errorf("unexpected error from part producer: %s", pp.err)
	}
}

func TestPartProducerEmitsSmallerLastChunk(t *testing.T) {
	r := strings.NewReader("1234567890")
	pp, fileChan := newS3PartProducer(r, 10, "", testSummary())
	go pp.produce(context.Background(), 4)

	var sizes []int64
	for chunk := range fileChan {
		sizes = append(sizes, chunk.size)
		chunk.cleanup()
	}

	if len(sizes) != 3 || sizes[0] != 4 || sizes[1] != 4 || sizes[2] != 2 {
		t.Errorf("incorrect chunk sizes: %v", sizes)
	}

	if pp.err != nil {
		t.Errorf("unexpected error from part producer: %s", pp.err)
	}
}

func TestPartProducerDoesNotEmitEmptyChunks(t *testing.T) {
	r := strings.NewReader("")
	pp, fileChan := newS3PartProducer(r, 10, "", testSummary())
	go pp.produce(context.Background(), 4)

	count := 0
	for chunk := range fileChan {
		count++
		chunk.cleanup()
	}

	if count != 0 {
		t.Errorf("no chunks should be emitted for an empty source, got %d", count)
	}

	if pp.err != nil {
		t.Errorf("unexpected error from part producer: %s", pp.err)
	}
}

func TestPartProducerExitsWhenContextIsCancelled(t *testing.T) {
	pp, fileChan := newS3PartProducer(InfiniteZeroReader{}, 0, "", testSummary())

	ctx, cancel := context.WithCancel(context.Background())

	completedChan := make(chan struct{})
	go func() {
		pp.produce(ctx, 10)
		completedChan <- struct{}{}
	}()

	cancel()

	select {
	case <-completedChan:
		// producer exited cleanly
	case <-time.After(2 * time.Second):
		t.Error("timed out waiting for producer to exit")
	}

	pp.closeUnreadFiles()
	safelyDrainChannelOrFail(fileChan, t)
}

func TestPartProducerExitsWhenUnableToReadFromFile(t *testing.T) {
	pp, fileChan := newS3PartProducer(ErrorReader{}, 0, "", testSummary())

	completedChan := make(chan struct{})
	go func() {
		pp.produce(context.Background(), 10)
		completedChan <- struct{}{}
	}()

	select {
	case <-completedChan:
		// producer exited cleanly
	case <-time.After(2 * time.Second):
		t.Error("timed out waiting for producer to exit")
	}

	safelyDrainChannelOrFail(fileChan, t)

	if pp.err == nil {
		t.Error("expected an error but didn't get one")
	}
}

func TestPartProducerRemovesPartialFileOnReadError(t *testing.T) {
	tmpDir := t.TempDir()

	// The reader yields a few bytes before failing, so a partial temp file
	// exists while the error occurs. No chunk may be emitted for it and the
	// file must be removed.
	pp, fileChan := newS3PartProducer(readThenError{r: strings.NewReader("12")}, 0, tmpDir, testSummary())

	go pp.produce(context.Background(), 10)

	count := 0
	for chunk := range fileChan {
		count++
		chunk.cleanup()
	}

	if count != 0 {
		t.Errorf("no chunk should be emitted for a partial file, got %d", count)
	}

	if pp.err == nil {
		t.Error("expected an error but didn't get one")
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("temporary directory should be empty, found %d entries", len(entries))
	}
}

type readThenError struct {
	r interface{ Read([]byte) (int, error) }
}

func (rte readThenError) Read(b []byte) (int, error) {
	n, err := rte.r.Read(b)
	if err != nil {
		return n, errors.New("error after partial read")
	}
	return n, nil
}

func safelyDrainChannelOrFail(c <-chan fileChunk, t *testing.T) {
	// At this point, we've signaled that the producer should exit, but it
	// may write a few chunks into the channel before closing it. Make sure
	// that the channel gets closed eventually.
	for i := 0; i < 100; i++ {
		select {
		case chunk, ok := <-c:
			if !ok {
				return
			}
			chunk.cleanup()
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for channel to drain")
		}
	}

	t.Fatal("timed out waiting for channel to drain")
}
