// Package s3 implements the source.Source interface against the S3 data path
// of an ECS cluster: plain object listings, version listings, and the ECS
// metadata search query extension.
package s3

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/ecsmeta/ecsmeta/internal/records"
	"github.com/ecsmeta/ecsmeta/internal/source"
)

// NamespaceHeader selects the ECS namespace a request is addressed to.
const NamespaceHeader = "x-emc-namespace"

// noMorePages is the NextMarker ECS returns on the last query page.
const noMorePages = "NO MORE PAGES"

// emptyPayloadHash is the hex SHA-256 of an empty body.
const emptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// DefaultQuery matches every object in a metadata search enabled bucket.
const DefaultQuery = "LastModified > 1970-01-01T00:00:00Z"

// Config configures an S3 source.
type Config struct {
	// Region is the signing region. ECS accepts any value.
	Region string

	// Endpoint is the S3 endpoint URL (e.g., "https://ecs.local:9021").
	// Required for metadata queries.
	Endpoint string

	// AccessKeyID is the object user name.
	// If empty, uses the default credential chain.
	AccessKeyID string

	// SecretAccessKey is the object user secret key.
	SecretAccessKey string

	// UsePathStyle enables path-style addressing.
	UsePathStyle bool

	// PageSize caps the records requested per page (S3 max-keys).
	PageSize int

	// Query is the metadata search expression used for query pages.
	// Defaults to DefaultQuery.
	Query string

	// HTTPClient is used for metadata queries. Defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Source implements source.Source using the S3 API.
type Source struct {
	client     *s3.Client
	creds      aws.CredentialsProvider
	signer     *v4.Signer
	httpClient *http.Client
	region     string
	endpoint   string
	pageSize   int32
	query      string

	closed bool
	mu     sync.RWMutex
}

// New creates a new S3 source with the given configuration.
func New(ctx context.Context, cfg Config) (*Source, error) {
	opts := []func(*config.LoadOptions) error{}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts = append(opts, config.WithRegion(region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load AWS config: %w", err)
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			// ECS does not return checksums on list responses.
			o.DisableLogOutputChecksumValidationSkipped = true
		},
	}

	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 || pageSize > 1000 {
		pageSize = 1000
	}

	query := cfg.Query
	if query == "" {
		query = DefaultQuery
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Source{
		client:     s3.NewFromConfig(awsCfg, s3Opts...),
		creds:      awsCfg.Credentials,
		signer:     v4.NewSigner(),
		httpClient: httpClient,
		region:     region,
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		pageSize:   int32(pageSize),
		query:      query,
	}, nil
}

func (s *Source) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("s3: source is closed")
	}
	return nil
}

// ListPage returns one page of object, query-object or version records.
func (s *Source) ListPage(ctx context.Context, key records.BucketKey, rt records.RecordType, token string) (records.Page, error) {
	if err := s.checkClosed(); err != nil {
		return records.Page{}, err
	}

	switch rt {
	case records.TypeObject:
		return s.listObjects(ctx, key, token)
	case records.TypeQueryObject:
		return s.queryObjects(ctx, key, token)
	case records.TypeObjectVersions:
		return s.listVersions(ctx, key, token)
	default:
		return records.Page{}, &source.ListError{Op: "ListPage", Bucket: key, Err: fmt.Errorf("%w: %s", source.ErrUnsupportedType, rt)}
	}
}

// Close releases resources associated with the source.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func namespaceOption(namespace string) func(*s3.Options) {
	return func(o *s3.Options) {
		if namespace != "" {
			o.APIOptions = append(o.APIOptions, smithyhttp.AddHeaderValue(NamespaceHeader, namespace))
		}
	}
}

func (s *Source) listObjects(ctx context.Context, key records.BucketKey, token string) (records.Page, error) {
	input := &s3.ListObjectsV2Input{
		Bucket:     aws.String(key.Bucket),
		MaxKeys:    aws.Int32(s.pageSize),
		FetchOwner: aws.Bool(true),
	}
	if token != "" {
		input.ContinuationToken = aws.String(token)
	}

	out, err := s.client.ListObjectsV2(ctx, input, namespaceOption(key.Namespace))
	if err != nil {
		return records.Page{}, wrapError("ListObjects", key, err)
	}

	page := records.Page{Records: make([]records.Record, 0, len(out.Contents))}
	for _, obj := range out.Contents {
		page.Records = append(page.Records, records.ObjectRecord{
			Bucket:       key,
			Key:          aws.ToString(obj.Key),
			Size:         aws.ToInt64(obj.Size),
			ETag:         aws.ToString(obj.ETag),
			LastModified: aws.ToTime(obj.LastModified),
			Owner:        owner(obj.Owner),
		})
	}
	if aws.ToBool(out.IsTruncated) {
		page.NextToken = aws.ToString(out.NextContinuationToken)
	}
	return page, nil
}

// Version listings resume from a (key, version id) pair; both travel in a
// single url-encoded token.
func encodeVersionToken(keyMarker, versionMarker string) string {
	v := url.Values{}
	v.Set("k", keyMarker)
	if versionMarker != "" {
		v.Set("v", versionMarker)
	}
	return v.Encode()
}

func decodeVersionToken(token string) (keyMarker, versionMarker string, err error) {
	v, err := url.ParseQuery(token)
	if err != nil || v.Get("k") == "" {
		return "", "", source.ErrInvalidToken
	}
	return v.Get("k"), v.Get("v"), nil
}

func (s *Source) listVersions(ctx context.Context, key records.BucketKey, token string) (records.Page, error) {
	input := &s3.ListObjectVersionsInput{
		Bucket:  aws.String(key.Bucket),
		MaxKeys: aws.Int32(s.pageSize),
	}
	if token != "" {
		keyMarker, versionMarker, err := decodeVersionToken(token)
		if err != nil {
			return records.Page{}, &source.ListError{Op: "ListVersions", Bucket: key, Err: err}
		}
		input.KeyMarker = aws.String(keyMarker)
		if versionMarker != "" {
			input.VersionIdMarker = aws.String(versionMarker)
		}
	}

	out, err := s.client.ListObjectVersions(ctx, input, namespaceOption(key.Namespace))
	if err != nil {
		return records.Page{}, wrapError("ListVersions", key, err)
	}

	page := records.Page{Records: make([]records.Record, 0, len(out.Versions)+len(out.DeleteMarkers))}
	for _, v := range out.Versions {
		page.Records = append(page.Records, records.VersionRecord{
			Bucket:       key,
			Key:          aws.ToString(v.Key),
			VersionID:    aws.ToString(v.VersionId),
			Size:         aws.ToInt64(v.Size),
			ETag:         aws.ToString(v.ETag),
			LastModified: aws.ToTime(v.LastModified),
			IsLatest:     aws.ToBool(v.IsLatest),
			Owner:        owner(v.Owner),
		})
	}
	for _, m := range out.DeleteMarkers {
		page.Records = append(page.Records, records.DeleteMarkerRecord{
			Bucket:       key,
			Key:          aws.ToString(m.Key),
			VersionID:    aws.ToString(m.VersionId),
			LastModified: aws.ToTime(m.LastModified),
			IsLatest:     aws.ToBool(m.IsLatest),
			Owner:        owner(m.Owner),
		})
	}
	if aws.ToBool(out.IsTruncated) {
		page.NextToken = encodeVersionToken(aws.ToString(out.NextKeyMarker), aws.ToString(out.NextVersionIdMarker))
	}
	return page, nil
}

func owner(o *types.Owner) *records.Owner {
	if o == nil {
		return nil
	}
	return &records.Owner{ID: aws.ToString(o.ID), DisplayName: aws.ToString(o.DisplayName)}
}

// bucketQueryResult is the body of an ECS metadata search response.
type bucketQueryResult struct {
	XMLName    xml.Name      `xml:"BucketQueryResult"`
	Name       string        `xml:"Name"`
	NextMarker string        `xml:"NextMarker"`
	Objects    []queryObject `xml:"ObjectMatches>object"`
}

type queryObject struct {
	Name      string      `xml:"objectName"`
	ID        string      `xml:"objectId"`
	VersionID string      `xml:"versionId"`
	Metadata  []queryMeta `xml:"queryMds"`
}

type queryMeta struct {
	Type    string      `xml:"type"`
	Entries []metaEntry `xml:"mdMap>entry"`
}

type metaEntry struct {
	Key   string `xml:"key"`
	Value string `xml:"value"`
}

func (s *Source) queryURL(bucket, marker string) (string, error) {
	if s.endpoint == "" {
		return "", errors.New("s3: endpoint is required for metadata queries")
	}
	q := url.Values{}
	q.Set("query", s.query)
	q.Set("max-keys", strconv.Itoa(int(s.pageSize)))
	if marker != "" {
		q.Set("marker", marker)
	}
	return s.endpoint + "/" + url.PathEscape(bucket) + "?" + q.Encode(), nil
}

// queryObjects issues an ECS metadata search request. The S3 SDK has no
// model for it, so the request is built and signed by hand.
func (s *Source) queryObjects(ctx context.Context, key records.BucketKey, token string) (records.Page, error) {
	u, err := s.queryURL(key.Bucket, token)
	if err != nil {
		return records.Page{}, &source.ListError{Op: "Query", Bucket: key, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return records.Page{}, &source.ListError{Op: "Query", Bucket: key, Err: err}
	}
	if key.Namespace != "" {
		req.Header.Set(NamespaceHeader, key.Namespace)
	}
	req.Header.Set("X-Amz-Content-Sha256", emptyPayloadHash)

	creds, err := s.creds.Retrieve(ctx)
	if err != nil {
		return records.Page{}, &source.ListError{Op: "Query", Bucket: key, Err: fmt.Errorf("retrieve credentials: %w", err)}
	}
	if err := s.signer.SignHTTP(ctx, creds, req, emptyPayloadHash, "s3", s.region, time.Now()); err != nil {
		return records.Page{}, &source.ListError{Op: "Query", Bucket: key, Err: fmt.Errorf("sign request: %w", err)}
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return records.Page{}, &source.ListError{Op: "Query", Bucket: key, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return records.Page{}, &source.ListError{Op: "Query", Bucket: key, Err: statusError(resp.StatusCode, body)}
	}

	var result bucketQueryResult
	if err := xml.NewDecoder(resp.Body).Decode(&result); err != nil {
		return records.Page{}, &source.ListError{Op: "Query", Bucket: key, Err: fmt.Errorf("decode response: %w", err)}
	}

	page := records.Page{Records: make([]records.Record, 0, len(result.Objects))}
	for _, obj := range result.Objects {
		md := make(map[string]string)
		for _, group := range obj.Metadata {
			for _, e := range group.Entries {
				md[e.Key] = e.Value
			}
		}
		page.Records = append(page.Records, records.QueryObjectRecord{
			Bucket:    key,
			Key:       obj.Name,
			ObjectID:  obj.ID,
			VersionID: obj.VersionID,
			Metadata:  md,
		})
	}
	if result.NextMarker != "" && result.NextMarker != noMorePages {
		page.NextToken = result.NextMarker
	}
	return page, nil
}

func statusError(code int, body []byte) error {
	switch code {
	case http.StatusNotFound:
		return source.ErrBucketNotFound
	case http.StatusForbidden, http.StatusUnauthorized:
		return source.ErrAccessDenied
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return source.ErrThrottled
	}
	return fmt.Errorf("unexpected status %d: %s", code, strings.TrimSpace(string(body)))
}

func wrapError(op string, key records.BucketKey, err error) error {
	if err == nil {
		return nil
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return &source.ListError{Op: op, Bucket: key, Err: source.ErrBucketNotFound}
		case http.StatusForbidden:
			return &source.ListError{Op: op, Bucket: key, Err: source.ErrAccessDenied}
		case http.StatusTooManyRequests, http.StatusServiceUnavailable:
			return &source.ListError{Op: op, Bucket: key, Err: source.ErrThrottled}
		}
	}

	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		return &source.ListError{Op: op, Bucket: key, Err: source.ErrBucketNotFound}
	}

	return &source.ListError{Op: op, Bucket: key, Err: err}
}

// Verify interface compliance at compile time.
var _ source.Source = (*Source)(nil)
