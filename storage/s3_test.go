package storage

import (
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go/aws/awserr"
)

func TestIsPayloadTooLarge(t *testing.T) {
	t.Parallel()

	// s3manager reports reader failures as awserr values carrying the
	// original error, sometimes nested.
	wrapped := awserr.New("ReadRequestBody", "read multipart upload data failed", ErrPayloadTooLarge)
	nested := awserr.New("MultipartUpload", "upload multipart failed", wrapped)

	for _, err := range []error{ErrPayloadTooLarge, wrapped, nested} {
		if !isPayloadTooLarge(err) {
			t.Errorf("isPayloadTooLarge(%v) = false", err)
		}
	}

	for _, err := range []error{
		nil,
		errors.New("connection reset"),
		awserr.New("RequestError", "send request failed", errors.New("timeout")),
	} {
		if isPayloadTooLarge(err) {
			t.Errorf("isPayloadTooLarge(%v) = true", err)
		}
	}
}

func TestIsNoSuchKey(t *testing.T) {
	t.Parallel()

	if !isNoSuchKey(awserr.New("NoSuchKey", "key does not exist", nil)) {
		t.Error("NoSuchKey not recognized")
	}
	if !isNoSuchKey(awserr.New("NotFound", "not found", nil)) {
		t.Error("NotFound not recognized")
	}
	if isNoSuchKey(errors.New("NoSuchKey")) {
		t.Error("plain error must not match")
	}
}
