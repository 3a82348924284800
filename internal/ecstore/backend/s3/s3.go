// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package s3 implements the backend on top of S3 protocol. It uses aws api
// v1. Every aggregated record is one object, file metadata are kept as CBOR
// encoded objects under a separate prefix.
package s3

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/net/http2"

	"github.com/asch/ecstore/internal/ecstore/backend"
)

const (
	// Format string for the record key. We split the key into halves and
	// use the lower half of bits as s3 prefix and upper half for the
	// object key. This is to prevent s3 rate limiting which is applied to
	// objects with the same prefix. Consecutive aggregation keys belong
	// to different stripe positions, hence they end up under different
	// prefixes as well.
	keyFmt = "%08x/%08x"

	// Prefix of objects holding file metadata.
	metadataPrefix = "meta/"
)

// Implementation of backend.Backend using AWS S3 as a backend. Parameters of
// http connection are carefully tuned for the best performance in the AWS
// environment.
type S3 struct {
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	client     *s3.S3
	httpClient *http.Client
	bucket     string
	prefix     string
}

// Options to use in New() function due to high number of parameters. There is
// lower chance of ordering mistake with named parameters.
type Options struct {
	Remote    string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string

	// Prepended to every object key. Allows several stores in one bucket.
	Prefix string
}

// Helper struct used for tuning the http connection.
type httpClientSettings struct {
	connect          time.Duration
	connKeepAlive    time.Duration
	expectContinue   time.Duration
	idleConn         time.Duration
	maxAllIdleConns  int
	maxHostIdleConns int
	responseHeader   time.Duration
	tlsHandshake     time.Duration
}

// Returns http client with configured parameters and added https2 support.
func newHTTPClientWithSettings(httpSettings httpClientSettings) *http.Client {
	tr := &http.Transport{
		ResponseHeaderTimeout: httpSettings.responseHeader,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: httpSettings.connKeepAlive,
			Timeout:   httpSettings.connect,
		}).DialContext,
		MaxIdleConns:          httpSettings.maxAllIdleConns,
		IdleConnTimeout:       httpSettings.idleConn,
		TLSHandshakeTimeout:   httpSettings.tlsHandshake,
		MaxIdleConnsPerHost:   httpSettings.maxHostIdleConns,
		ExpectContinueTimeout: httpSettings.expectContinue,
	}

	http2.ConfigureTransport(tr)

	return &http.Client{
		Transport: tr,
	}
}

// Fetch function implemented through s3 api. Missing object is reported as
// absence, not as an error.
func (s *S3) Fetch(key int64) ([]byte, bool, error) {
	b := aws.NewWriteAtBuffer([]byte{})

	_, err := s.downloader.Download(b, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.recordKey(key)),
	})

	if isNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("s3 fetch %d: %w", key, err)
	}

	return b.Bytes(), true, nil
}

// Store function implemented through s3 api.
func (s *S3) Store(key int64, record []byte) error {
	_, err := s.uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.recordKey(key)),
		Body:   bytes.NewReader(record),
	})
	if err != nil {
		return fmt.Errorf("s3 store %d: %w", key, err)
	}

	return nil
}

// Exists function implemented through s3 api.
func (s *S3) Exists(key int64) (bool, error) {
	return s.headObject(s.recordKey(key))
}

func (s *S3) GetFileMetadata(path string) (backend.FileMetadata, bool, error) {
	var metadata backend.FileMetadata

	out, err := s.client.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.metadataKey(path)),
	})
	if isNotFound(err) {
		return metadata, false, nil
	}
	if err != nil {
		return metadata, false, fmt.Errorf("s3 get metadata %q: %w", path, err)
	}
	defer out.Body.Close()

	if err := cbor.NewDecoder(out.Body).Decode(&metadata); err != nil {
		return metadata, false, fmt.Errorf("decode metadata %q: %w", path, err)
	}

	return metadata, true, nil
}

func (s *S3) SetFileMetadata(path string, metadata backend.FileMetadata) error {
	buf, err := cbor.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode metadata %q: %w", path, err)
	}

	_, err = s.client.PutObject(&s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.metadataKey(path)),
		Body:   bytes.NewReader(buf),
	})
	if err != nil {
		return fmt.Errorf("s3 set metadata %q: %w", path, err)
	}

	return nil
}

// Lists all metadata objects and returns decoded paths.
func (s *S3) GetAllFilePaths() ([]string, error) {
	var paths []string
	var decodeErr error

	prefix := s.prefix + metadataPrefix
	err := s.client.ListObjectsV2Pages(&s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, last bool) bool {
		for _, o := range page.Contents {
			path, err := url.PathUnescape(strings.TrimPrefix(*o.Key, prefix))
			if err != nil {
				decodeErr = err
				return false
			}
			paths = append(paths, path)
		}
		return true
	})

	if err == nil {
		err = decodeErr
	}
	if err != nil {
		return nil, fmt.Errorf("s3 list metadata: %w", err)
	}

	return paths, nil
}

// Closes idle connections. The sdk has no explicit session teardown.
func (s *S3) Disconnect() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

func New(o Options) (*S3, error) {
	s := new(S3)
	s.bucket = o.Bucket
	s.prefix = o.Prefix

	// For the best possible performance it should be tuned according to
	// the object backend. Following settings are recommended by AWS for
	// usage in their network.
	s.httpClient = newHTTPClientWithSettings(httpClientSettings{
		connect:          5 * time.Second,
		expectContinue:   1 * time.Second,
		idleConn:         90 * time.Second,
		connKeepAlive:    30 * time.Second,
		maxAllIdleConns:  100,
		maxHostIdleConns: 10,
		responseHeader:   5 * time.Second,
		tlsHandshake:     5 * time.Second,
	})

	sess, err := session.NewSession(&aws.Config{
		Endpoint:                      aws.String(o.Remote),
		Region:                        aws.String(o.Region),
		Credentials:                   credentials.NewStaticCredentials(o.AccessKey, o.SecretKey, ""),
		S3ForcePathStyle:              aws.Bool(true),
		S3DisableContentMD5Validation: aws.Bool(true),
		HTTPClient:                    s.httpClient,
	})

	if err != nil {
		return nil, err
	}

	s.client = s3.New(sess)
	s.uploader = s3manager.NewUploader(sess)
	s.downloader = s3manager.NewDownloader(sess)

	// Records are far below the multipart threshold, hence there is no
	// benefit from concurrent parts.
	s.uploader.Concurrency = 1
	s3manager.WithUploaderRequestOptions(request.Option(func(r *request.Request) {
		r.HTTPRequest.Header.Add("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")
	}))(s.uploader)
	s.downloader.Concurrency = 1

	err = s.makeBucketExist()

	return s, err
}

// Check whether bucket exist and if not, create it and wait until it appears.
func (s *S3) makeBucketExist() error {
	_, err := s.client.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(s.bucket)})

	if err != nil {
		_, err = s.client.CreateBucket(&s3.CreateBucketInput{
			Bucket: aws.String(s.bucket)})

		if err == nil {
			err = s.client.WaitUntilBucketExists(&s3.HeadBucketInput{
				Bucket: aws.String(s.bucket)})
		}
	}

	return err
}

func (s *S3) headObject(objectKey string) (bool, error) {
	_, err := s.client.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})

	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("s3 head %q: %w", objectKey, err)
	}

	return true, nil
}

func (s *S3) recordKey(key int64) string {
	return s.prefix + encode(key)
}

func (s *S3) metadataKey(path string) string {
	return s.prefix + metadataPrefix + url.PathEscape(path)
}

// GetObject reports NoSuchKey while HeadObject has no body and reports just
// NotFound with status 404.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}

	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}

	var rerr awserr.RequestFailure
	if errors.As(err, &rerr) && rerr.StatusCode() == http.StatusNotFound {
		return true
	}

	return false
}

// We split the key into halves and use the lower half of bits as s3 prefix and
// upper half for the object key. This is to prevent s3 rate limiting which is
// applied to objects with the same prefix.
func encode(key int64) string {
	left := (key >> 32) & 0xffffffff
	right := key & 0xffffffff

	return fmt.Sprintf(keyFmt, right, left)
}
