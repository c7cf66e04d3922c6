package repository

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	key    string
	bucket string
	body   []byte
	err    error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.key = aws.ToString(in.Key)
	f.bucket = aws.ToString(in.Bucket)
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestEventKey(t *testing.T) {
	at := time.Date(2025, time.March, 4, 23, 30, 0, 0, time.FixedZone("UTC-5", -5*3600))
	assert.Equal(t, "webhooks/2025/03/05/evt_123.json", EventKey("evt_123", at))
}

func TestS3EventArchive_Store(t *testing.T) {
	putter := &fakePutter{}
	archive := &S3EventArchive{client: putter, bucket: "events"}

	key, err := archive.Store(context.Background(), "evt_1", time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC), []byte(`{"id":"evt_1"}`))
	require.NoError(t, err)

	assert.Equal(t, "webhooks/2025/06/01/evt_1.json", key)
	assert.Equal(t, key, putter.key)
	assert.Equal(t, "events", putter.bucket)
	assert.JSONEq(t, `{"id":"evt_1"}`, string(putter.body))
}

func TestS3EventArchive_StoreError(t *testing.T) {
	archive := &S3EventArchive{client: &fakePutter{err: errors.New("boom")}, bucket: "events"}

	_, err := archive.Store(context.Background(), "evt_1", time.Now(), []byte(`{}`))
	assert.ErrorContains(t, err, "evt_1")
}
