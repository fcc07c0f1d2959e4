package source

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore describes an S3-compatible endpoint.
type ObjectStore struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Secure    bool
}

// NewObjectClient builds a client for store. Credentials are static.
func NewObjectClient(store ObjectStore) (*minio.Client, error) {
	client, err := minio.New(store.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(store.AccessKey, store.SecretKey, ""),
		Secure: store.Secure,
		Region: store.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("object store %s: %w", store.Endpoint, err)
	}
	return client, nil
}

// Object is a Source backed by one object. Every ReadAt issues a ranged GET.
type Object struct {
	ctx    context.Context
	client *minio.Client
	bucket string
	key    string
	size   int64
}

// OpenObject stats bucket/key once to learn its size.
func OpenObject(ctx context.Context, client *minio.Client, bucket, key string) (*Object, error) {
	info, err := client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s/%s: %v", ErrSourceUnavailable, bucket, key, err)
	}

	return &Object{
		ctx:    ctx,
		client: client,
		bucket: bucket,
		key:    key,
		size:   info.Size,
	}, nil
}

func (o *Object) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errNegativeOffset
	}
	if len(p) == 0 {
		return 0, nil
	}
	if off >= o.size {
		return 0, io.EOF
	}

	end := off + int64(len(p)) - 1
	if end >= o.size {
		end = o.size - 1
	}

	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(off, end); err != nil {
		return 0, err
	}

	obj, err := o.client.GetObject(o.ctx, o.bucket, o.key, opts)
	if err != nil {
		return 0, fmt.Errorf("%w: get %s/%s: %v", ErrSourceUnavailable, o.bucket, o.key, err)
	}
	defer obj.Close()

	want := int(end - off + 1)
	n, err := io.ReadFull(obj, p[:want])
	if err != nil {
		return n, fmt.Errorf("%w: read %s/%s [%d,%d]: %v", ErrSourceUnavailable, o.bucket, o.key, off, end, err)
	}

	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (o *Object) Size() int64 {
	return o.size
}

// ListObjects returns the keys under prefix, in listing order.
func ListObjects(ctx context.Context, client *minio.Client, bucket, prefix string) ([]string, error) {
	var keys []string
	for info := range client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, fmt.Errorf("%w: list %s/%s: %v", ErrSourceUnavailable, bucket, prefix, info.Err)
		}
		keys = append(keys, info.Key)
	}
	return keys, nil
}
