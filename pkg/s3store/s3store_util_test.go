package s3store

import (
	"bytes"
	"fmt"
	"io"
	"reflect"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang/mock/gomock"
)

// UploadPartInputMatcher compares UploadPartInput values whose Body readers
// cannot be compared structurally. The expected body is captured once at
// construction time.
type UploadPartInputMatcher struct {
	expect     *s3.UploadPartInput
	expectBody []byte
}

func NewUploadPartInputMatcher(expect *s3.UploadPartInput) gomock.Matcher {
	body, err := io.ReadAll(expect.Body)
	if err != nil {
		panic(err)
	}
	expect.Body = nil
	return UploadPartInputMatcher{
		expect:     expect,
		expectBody: body,
	}
}

func (m UploadPartInputMatcher) Matches(x interface{}) bool {
	input, ok := x.(*s3.UploadPartInput)
	if !ok {
		return false
	}

	inputBody, err := io.ReadAll(input.Body)
	if err != nil {
		panic(err)
	}
	// Restore the consumed body so that other expectations can still
	// inspect it when this one does not match.
	defer func() {
		input.Body = bytes.NewReader(inputBody)
	}()

	if !reflect.DeepEqual(m.expectBody, inputBody) {
		return false
	}

	input.Body = nil
	return reflect.DeepEqual(m.expect, input)
}

func (m UploadPartInputMatcher) String() string {
	return fmt.Sprintf("UploadPartInput(%d: %q)", *m.expect.PartNumber, m.expectBody)
}

// PutObjectInputMatcher compares PutObjectInput values including their body
// content.
type PutObjectInputMatcher struct {
	expect     *s3.PutObjectInput
	expectBody []byte
}

func NewPutObjectInputMatcher(expect *s3.PutObjectInput) gomock.Matcher {
	body, err := io.ReadAll(expect.Body)
	if err != nil {
		panic(err)
	}
	expect.Body = nil
	return PutObjectInputMatcher{
		expect:     expect,
		expectBody: body,
	}
}

func (m PutObjectInputMatcher) Matches(x interface{}) bool {
	input, ok := x.(*s3.PutObjectInput)
	if !ok {
		return false
	}

	inputBody, err := io.ReadAll(input.Body)
	if err != nil {
		panic(err)
	}

	if !reflect.DeepEqual(m.expectBody, inputBody) {
		return false
	}

	input.Body = nil
	return reflect.DeepEqual(m.expect, input)
}

func (m PutObjectInputMatcher) String() string {
	return fmt.Sprintf("PutObjectInput(%s: %q)", *m.expect.Key, m.expectBody)
}
