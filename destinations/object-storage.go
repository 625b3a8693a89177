package destinations

import (
	"github.com/sloonz/floe/lib"

	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"
)

var (
	osLog = logrus.WithFields(logrus.Fields{
		"destination": "object-storage",
	})
)

type objectStorageDestination struct {
	options  *floe.Options
	prefix   string
	bucket   string
	client   *minio.Client
	partSize uint64
}

func newObjectStorageDestination(options *floe.Options) (floe.BlobStore, error) {
	u, err := url.Parse(options.String["URL"])
	if err != nil {
		return nil, fmt.Errorf("invalid object storage URL: %v", err)
	}

	endpoint := u.Host
	secure := !(u.Scheme == "http")
	accessKeyID := u.User.Username()
	secretAccessKey, _ := u.User.Password()
	bucket := u.Path
	partSize := uint64(0)

	secure, err = options.GetBoolean("Secure", secure)
	if err != nil {
		osLog.Warnf("cannot parse secure option: %v", err)
		secure = true
	}

	prefix := strings.Trim(options.String["Prefix"], "/") + "/"
	if prefix == "/" {
		prefix = ""
	}

	if options.String["Endpoint"] != "" {
		endpoint = options.String["Endpoint"]
	}

	if options.String["AccessKeyID"] != "" {
		accessKeyID = options.String["AccessKeyID"]
	}

	if options.String["SecretAccessKey"] != "" {
		secretAccessKey = options.String["SecretAccessKey"]
	}

	if options.String["Bucket"] != "" {
		bucket = options.String["Bucket"]
	}
	bucket = strings.Trim(bucket, "/")

	ps, err := options.GetInt64("PartSize", 0)
	if err != nil {
		osLog.Warnf("cannot parse PartSize option: %v", err)
	} else if ps > 0 {
		partSize = uint64(ps) * 1024 * 1024
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: secure,
	})

	if err != nil {
		return nil, fmt.Errorf("failed to create object storage instance: %v", err)
	}

	return &objectStorageDestination{options: options, client: client, prefix: prefix, bucket: bucket, partSize: partSize}, nil
}

func (d *objectStorageDestination) ListBlobs() ([]string, error) {
	var res []string

	ctx, cancel := context.WithCancel(context.Background())
	objectsCh := d.client.ListObjects(ctx, d.bucket, minio.ListObjectsOptions{
		Prefix:    d.prefix,
		Recursive: false,
	})
	defer cancel()

	for obj := range objectsCh {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list blobs on object storage: %v", obj.Err)
		}

		if strings.HasSuffix(obj.Key, "/") || !isBlobName(path.Base(obj.Key)) {
			continue
		}

		res = append(res, path.Base(obj.Key))
	}

	return res, nil
}

func (d *objectStorageDestination) RemoveBlob(name string) error {
	err := d.client.RemoveObject(context.Background(), d.bucket, d.prefix+name, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to remove blob from object storage: %v", err)
	}
	return nil
}

func (d *objectStorageDestination) PutBlob(name string, data io.Reader) error {
	osLog.Debugf("writing blob to %s", d.prefix+name)
	_, err := d.client.PutObject(context.Background(), d.bucket, d.prefix+name, data, dataSize(data), minio.PutObjectOptions{PartSize: d.partSize})
	if err != nil {
		d.client.RemoveObject(context.Background(), d.bucket, d.prefix+name, minio.RemoveObjectOptions{}) //nolint:errcheck
		return fmt.Errorf("failed to write blob to object storage: %v", err)
	}
	return nil
}

func (d *objectStorageDestination) GetBlob(name string, offset, length int64) (io.ReadCloser, error) {
	if length == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}

	opts := minio.GetObjectOptions{}
	err := opts.SetRange(offset, offset+length-1)
	if err != nil {
		return nil, err
	}

	rc, err := d.client.GetObject(context.Background(), d.bucket, d.prefix+name, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob from object storage: %v", err)
	}
	return rc, nil
}
