package handler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type composerStore struct{}

func (composerStore) NewUpload(ctx context.Context, info FileInfo) (Upload, error) {
	return nil, nil
}

func (composerStore) GetUpload(ctx context.Context, id string) (Upload, error) {
	return nil, nil
}

type composerTerminaterStore struct {
	composerStore
}

func (composerTerminaterStore) AsTerminatableUpload(upload Upload) TerminatableUpload {
	return nil
}

func TestStoreComposerCapabilities(t *testing.T) {
	a := assert.New(t)

	composer := NewStoreComposer()
	a.Equal("Core: ✗ Terminater: ✗ LengthDeferrer: ✗ Locker: ✗", composer.Capabilities())

	composer.UseCore(composerStore{})
	a.Equal("Core: ✓ Terminater: ✗ LengthDeferrer: ✗ Locker: ✗", composer.Capabilities())

	composer.UseTerminater(composerTerminaterStore{})
	a.Equal("Core: ✓ Terminater: ✓ LengthDeferrer: ✗ Locker: ✗", composer.Capabilities())
}
