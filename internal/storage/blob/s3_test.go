package blob

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPutObject struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (m *mockPutObject) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.input = params
	m.body, _ = io.ReadAll(params.Body)
	return &s3.PutObjectOutput{}, m.err
}

func TestWrite(t *testing.T) {
	api := &mockPutObject{}
	c := NewWithClient(api, "uploads")

	err := c.Write(context.Background(), "bafkrei", Object{
		Data:        []byte("hello"),
		ContentType: "text/plain",
		Metadata:    map[string]string{"filename": "hello.txt"},
	})
	require.NoError(t, err)
	assert.Equal(t, "uploads", aws.ToString(api.input.Bucket))
	assert.Equal(t, "bafkrei", aws.ToString(api.input.Key))
	assert.Equal(t, "text/plain", aws.ToString(api.input.ContentType))
	assert.Equal(t, "hello.txt", api.input.Metadata["filename"])
	assert.Equal(t, []byte("hello"), api.body)
}

func TestWriteError(t *testing.T) {
	api := &mockPutObject{err: errors.New("access denied")}
	err := NewWithClient(api, "uploads").Write(context.Background(), "k", Object{Data: []byte("x")})
	assert.ErrorContains(t, err, "access denied")
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(context.Background(), "")
	assert.Error(t, err)
}
