// Package s3 provides a storagedriver.StorageDriver implementation to
// store blobs in Amazon S3 cloud storage.
//
// This package leverages the official aws client library for interfacing with
// S3.
//
// Because S3 is a key, value store the Stat call does not support last
// modification time for directories (directories are an abstraction for key,
// value stores).
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	storagedriver "github.com/quayd/quayd/registry/storage/driver"
	"github.com/quayd/quayd/registry/storage/driver/base"
	"github.com/quayd/quayd/registry/storage/driver/factory"
)

const driverName = "s3"

// minChunkSize defines the minimum multipart upload chunk size.
// S3 API requires multipart upload chunks to be at least 5MB.
const minChunkSize = 5 * 1024 * 1024

const defaultChunkSize = 2 * minChunkSize

// listMax is the largest amount of objects you can request from S3 in a
// single list call.
const listMax = 1000

// DriverParameters is a struct that encapsulates all of the driver
// parameters after all values have been set.
type DriverParameters struct {
	AccessKey      string
	SecretKey      string
	Bucket         string
	Region         string
	RegionEndpoint string
	Secure         bool
	ChunkSize      int64
	RootDirectory  string
}

func init() {
	factory.Register(driverName, s3DriverFactory{})
}

// s3DriverFactory implements the factory.StorageDriverFactory interface.
type s3DriverFactory struct{}

func (factory s3DriverFactory) Create(ctx context.Context, parameters map[string]interface{}) (storagedriver.StorageDriver, error) {
	return FromParameters(ctx, parameters)
}

type driver struct {
	S3            *s3.S3
	Bucket        string
	ChunkSize     int64
	RootDirectory string
}

type baseEmbed struct {
	base.Base
}

// Driver is a storagedriver.StorageDriver implementation backed by Amazon
// S3. Objects are stored at absolute keys in the provided bucket.
type Driver struct {
	baseEmbed
}

// FromParameters constructs a new Driver with a given parameters map
// Required parameters:
// - bucket
// Optional parameters:
// - accesskey
// - secretkey
// - region
// - regionendpoint
// - secure
// - chunksize
// - rootdirectory
func FromParameters(ctx context.Context, parameters map[string]interface{}) (*Driver, error) {
	params := DriverParameters{
		Secure:    true,
		ChunkSize: defaultChunkSize,
	}

	if v, ok := parameters["accesskey"]; ok {
		params.AccessKey = fmt.Sprint(v)
	}
	if v, ok := parameters["secretkey"]; ok {
		params.SecretKey = fmt.Sprint(v)
	}
	if v, ok := parameters["bucket"]; ok {
		params.Bucket = fmt.Sprint(v)
	}
	if params.Bucket == "" {
		return nil, fmt.Errorf("no bucket parameter provided")
	}
	if v, ok := parameters["region"]; ok {
		params.Region = fmt.Sprint(v)
	}
	if v, ok := parameters["regionendpoint"]; ok {
		params.RegionEndpoint = fmt.Sprint(v)
	}
	if v, ok := parameters["secure"]; ok {
		secure, err := strconv.ParseBool(fmt.Sprint(v))
		if err != nil {
			return nil, fmt.Errorf("the secure parameter should be a boolean")
		}
		params.Secure = secure
	}
	if v, ok := parameters["chunksize"]; ok {
		chunkSize, err := strconv.ParseInt(fmt.Sprint(v), 10, 64)
		if err != nil || chunkSize < minChunkSize {
			return nil, fmt.Errorf("the chunksize parameter should be a number that is larger than or equal to %d", minChunkSize)
		}
		params.ChunkSize = chunkSize
	}
	if v, ok := parameters["rootdirectory"]; ok {
		params.RootDirectory = fmt.Sprint(v)
	}

	return New(params)
}

// New constructs a new Driver with the given AWS credentials, region and
// bucket name.
func New(params DriverParameters) (*Driver, error) {
	awsConfig := aws.NewConfig()
	if params.AccessKey != "" && params.SecretKey != "" {
		awsConfig.WithCredentials(credentials.NewStaticCredentials(params.AccessKey, params.SecretKey, ""))
	}
	if params.RegionEndpoint != "" {
		awsConfig.WithEndpoint(params.RegionEndpoint)
		awsConfig.WithS3ForcePathStyle(true)
	}
	awsConfig.WithRegion(params.Region)
	awsConfig.WithDisableSSL(!params.Secure)

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create new session: %w", err)
	}

	d := &driver{
		S3:            s3.New(sess),
		Bucket:        params.Bucket,
		ChunkSize:     params.ChunkSize,
		RootDirectory: params.RootDirectory,
	}

	return &Driver{
		baseEmbed: baseEmbed{
			Base: base.Base{
				StorageDriver: d,
			},
		},
	}, nil
}

// Implement the storagedriver.StorageDriver interface

func (d *driver) Name() string {
	return driverName
}

// GetContent retrieves the content stored at "path" as a []byte.
func (d *driver) GetContent(ctx context.Context, path string) ([]byte, error) {
	reader, err := d.Reader(ctx, path, 0)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// PutContent stores the []byte content at a location designated by "path".
func (d *driver) PutContent(ctx context.Context, path string, contents []byte) error {
	_, err := d.S3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(d.Bucket),
		Key:    aws.String(d.s3Path(path)),
		Body:   bytes.NewReader(contents),
	})
	return parseError(path, err)
}

// Reader retrieves an io.ReadCloser for the content stored at "path" with a
// given byte offset.
func (d *driver) Reader(ctx context.Context, path string, offset int64) (io.ReadCloser, error) {
	resp, err := d.S3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.Bucket),
		Key:    aws.String(d.s3Path(path)),
		Range:  aws.String("bytes=" + strconv.FormatInt(offset, 10) + "-"),
	})
	if err != nil {
		if s3Err, ok := err.(awserr.Error); ok && s3Err.Code() == "InvalidRange" {
			return io.NopCloser(bytes.NewReader(nil)), nil
		}
		return nil, parseError(path, err)
	}
	return resp.Body, nil
}

// Writer returns a FileWriter which will store the content written to it at
// the location designated by "path" after the call to Commit. Appending to an
// existing object is implemented by draining the existing content into a
// fresh multipart upload.
func (d *driver) Writer(ctx context.Context, path string, appendMode bool) (storagedriver.FileWriter, error) {
	key := d.s3Path(path)

	resp, err := d.S3.CreateMultipartUploadWithContext(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(d.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, parseError(path, err)
	}

	w := &writer{
		ctx:      ctx,
		driver:   d,
		key:      key,
		uploadID: *resp.UploadId,
	}

	if appendMode {
		existing, err := d.Reader(ctx, path, 0)
		if err != nil {
			if _, ok := err.(storagedriver.PathNotFoundError); !ok {
				w.Cancel(ctx)
				return nil, err
			}
		} else {
			defer existing.Close()
			if _, err := io.Copy(w, existing); err != nil {
				w.Cancel(ctx)
				return nil, err
			}
		}
	}

	return w, nil
}

// Stat retrieves the FileInfo for the given path, including the current size
// in bytes and the creation time.
func (d *driver) Stat(ctx context.Context, path string) (storagedriver.FileInfo, error) {
	resp, err := d.S3.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(d.Bucket),
		Prefix:  aws.String(d.s3Path(path)),
		MaxKeys: aws.Int64(1),
	})
	if err != nil {
		return nil, parseError(path, err)
	}

	fi := storagedriver.FileInfoFields{Path: path}

	if len(resp.Contents) == 1 {
		if *resp.Contents[0].Key != d.s3Path(path) {
			fi.IsDir = true
		} else {
			fi.IsDir = false
			fi.Size = *resp.Contents[0].Size
			fi.ModTime = *resp.Contents[0].LastModified
		}
	} else if len(resp.CommonPrefixes) == 1 {
		fi.IsDir = true
	} else {
		return nil, storagedriver.PathNotFoundError{Path: path}
	}

	return storagedriver.FileInfoInternal{FileInfoFields: fi}, nil
}

// List returns a list of the objects that are direct descendants of the
// given path.
func (d *driver) List(ctx context.Context, opath string) ([]string, error) {
	path := opath
	if path != "/" && path[len(path)-1] != '/' {
		path = path + "/"
	}

	// This is to cover for the cases when the rootDirectory of the driver is
	// either "" or "/". In those cases, there is no root prefix to replace
	// and we must actually add a "/" to all results in order to keep them as
	// valid paths as recognized by storagedriver.PathRegexp.
	prefix := ""
	if d.s3Path("") == "" {
		prefix = "/"
	}

	listInput := &s3.ListObjectsV2Input{
		Bucket:    aws.String(d.Bucket),
		Prefix:    aws.String(d.s3Path(path)),
		Delimiter: aws.String("/"),
		MaxKeys:   aws.Int64(listMax),
	}

	files := []string{}
	directories := []string{}

	err := d.S3.ListObjectsV2PagesWithContext(ctx, listInput, func(objects *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, key := range objects.Contents {
			files = append(files, strings.Replace(*key.Key, d.s3Path(""), prefix, 1))
		}
		for _, commonPrefix := range objects.CommonPrefixes {
			commonPrefix := *commonPrefix.Prefix
			directories = append(directories, strings.Replace(commonPrefix[0:len(commonPrefix)-1], d.s3Path(""), prefix, 1))
		}
		return true
	})
	if err != nil {
		return nil, parseError(opath, err)
	}

	if opath != "/" {
		if len(files) == 0 && len(directories) == 0 {
			// Treat empty response as missing directory, since we don't
			// actually have directories in s3.
			return nil, storagedriver.PathNotFoundError{Path: opath}
		}
	}

	result := append(files, directories...)
	sort.Strings(result)
	return result, nil
}

// Move moves an object stored at sourcePath to destPath, removing the
// original object.
func (d *driver) Move(ctx context.Context, sourcePath string, destPath string) error {
	_, err := d.S3.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(d.Bucket),
		Key:        aws.String(d.s3Path(destPath)),
		CopySource: aws.String(d.Bucket + "/" + d.s3Path(sourcePath)),
	})
	if err != nil {
		return parseError(sourcePath, err)
	}

	return d.Delete(ctx, sourcePath)
}

// Delete recursively deletes all objects stored at "path" and its subpaths.
// We must be careful since S3 does not guarantee exact prefix matches.
func (d *driver) Delete(ctx context.Context, path string) error {
	s3Path := d.s3Path(path)

	listInput := &s3.ListObjectsV2Input{
		Bucket: aws.String(d.Bucket),
		Prefix: aws.String(s3Path),
	}

	var objects []*s3.ObjectIdentifier
	err := d.S3.ListObjectsV2PagesWithContext(ctx, listInput, func(resp *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, key := range resp.Contents {
			// Skip keys that share the prefix without being subpaths, so
			// deleting "/a" does not delete "/ab".
			if len(*key.Key) > len(s3Path) && (*key.Key)[len(s3Path)] != '/' {
				continue
			}
			objects = append(objects, &s3.ObjectIdentifier{Key: key.Key})
		}
		return true
	})
	if err != nil {
		return parseError(path, err)
	}

	if len(objects) == 0 {
		return storagedriver.PathNotFoundError{Path: path}
	}

	for len(objects) > 0 {
		batch := objects
		if len(batch) > listMax {
			batch = batch[:listMax]
		}
		objects = objects[len(batch):]

		resp, err := d.S3.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(d.Bucket),
			Delete: &s3.Delete{
				Objects: batch,
				Quiet:   aws.Bool(false),
			},
		})
		if err != nil {
			return err
		}
		if len(resp.Errors) > 0 {
			errs := make([]error, 0, len(resp.Errors))
			for _, err := range resp.Errors {
				errs = append(errs, fmt.Errorf("%s: %s", *err.Code, *err.Message))
			}
			return storagedriver.Errors{DriverName: driverName, Errs: errs}
		}
	}
	return nil
}

// RedirectURL returns a presigned URL which may be used to retrieve the
// content stored at the given path.
func (d *driver) RedirectURL(ctx context.Context, method string, path string) (string, error) {
	expiresIn := 20 * time.Minute

	switch method {
	case http.MethodGet:
		req, _ := d.S3.GetObjectRequest(&s3.GetObjectInput{
			Bucket: aws.String(d.Bucket),
			Key:    aws.String(d.s3Path(path)),
		})
		return req.Presign(expiresIn)
	case http.MethodHead:
		req, _ := d.S3.HeadObjectRequest(&s3.HeadObjectInput{
			Bucket: aws.String(d.Bucket),
			Key:    aws.String(d.s3Path(path)),
		})
		return req.Presign(expiresIn)
	default:
		return "", nil
	}
}

// Walk traverses a filesystem defined within driver, starting
// from the given path, calling f on each file.
func (d *driver) Walk(ctx context.Context, from string, f storagedriver.WalkFn) error {
	return storagedriver.WalkFallback(ctx, d, from, f)
}

func (d *driver) s3Path(path string) string {
	return strings.TrimLeft(strings.TrimRight(d.RootDirectory, "/")+path, "/")
}

func parseError(path string, err error) error {
	if s3Err, ok := err.(awserr.Error); ok && s3Err.Code() == s3.ErrCodeNoSuchKey {
		return storagedriver.PathNotFoundError{Path: path}
	}
	return err
}

// writer uploads parts to S3 in a buffered fashion where every part except
// the last is exactly ChunkSize bytes. S3 rejects multipart uploads whose
// non-final parts are under 5MB.
type writer struct {
	ctx       context.Context
	driver    *driver
	key       string
	uploadID  string
	parts     []*s3.CompletedPart
	size      int64
	buf       []byte
	closed    bool
	committed bool
	cancelled bool
}

func (w *writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("already closed")
	} else if w.committed {
		return 0, fmt.Errorf("already committed")
	} else if w.cancelled {
		return 0, fmt.Errorf("already cancelled")
	}

	w.buf = append(w.buf, p...)
	w.size += int64(len(p))

	for int64(len(w.buf)) >= w.driver.ChunkSize {
		if err := w.flushPart(w.buf[:w.driver.ChunkSize]); err != nil {
			return 0, err
		}
		w.buf = w.buf[w.driver.ChunkSize:]
	}
	return len(p), nil
}

func (w *writer) flushPart(data []byte) error {
	partNumber := aws.Int64(int64(len(w.parts) + 1))
	resp, err := w.driver.S3.UploadPartWithContext(w.ctx, &s3.UploadPartInput{
		Bucket:     aws.String(w.driver.Bucket),
		Key:        aws.String(w.key),
		PartNumber: partNumber,
		UploadId:   aws.String(w.uploadID),
		Body:       bytes.NewReader(data),
	})
	if err != nil {
		return err
	}
	w.parts = append(w.parts, &s3.CompletedPart{
		ETag:       resp.ETag,
		PartNumber: partNumber,
	})
	return nil
}

func (w *writer) Size() int64 {
	return w.size
}

func (w *writer) Close() error {
	if w.closed {
		return fmt.Errorf("already closed")
	}
	w.closed = true
	return nil
}

func (w *writer) Cancel(ctx context.Context) error {
	if w.closed {
		return fmt.Errorf("already closed")
	} else if w.committed {
		return fmt.Errorf("already committed")
	}
	w.cancelled = true
	_, err := w.driver.S3.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(w.driver.Bucket),
		Key:      aws.String(w.key),
		UploadId: aws.String(w.uploadID),
	})
	return err
}

func (w *writer) Commit(ctx context.Context) error {
	if w.closed {
		return fmt.Errorf("already closed")
	} else if w.committed {
		return fmt.Errorf("already committed")
	} else if w.cancelled {
		return fmt.Errorf("already cancelled")
	}

	if len(w.buf) > 0 || len(w.parts) == 0 {
		if err := w.flushPart(w.buf); err != nil {
			return err
		}
		w.buf = nil
	}

	_, err := w.driver.S3.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(w.driver.Bucket),
		Key:      aws.String(w.key),
		UploadId: aws.String(w.uploadID),
		MultipartUpload: &s3.CompletedMultipartUpload{
			Parts: w.parts,
		},
	})
	if err != nil {
		w.Cancel(ctx)
		return err
	}
	w.committed = true
	return nil
}
