// Package records defines the domain records produced by record sources and
// consumed by the ingest writer.
//
// Records form a closed set: every concrete type in this package implements
// [Record] and nothing outside the package can. Consumers dispatch with a
// type switch over the concrete types.
package records

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// RecordType selects what a work unit collects.
type RecordType string

const (
	// TypeObject collects current objects with a plain listing.
	TypeObject RecordType = "object"
	// TypeQueryObject collects current objects through the metadata query
	// API. The collector picks it instead of TypeObject for buckets with
	// metadata search enabled.
	TypeQueryObject RecordType = "query_object"
	// TypeObjectVersions collects versions and delete markers.
	TypeObjectVersions RecordType = "object_versions"
	// TypeBilling collects namespace and per-bucket billing.
	TypeBilling RecordType = "billing"
	// TypeBucket collects bucket descriptors.
	TypeBucket RecordType = "bucket"
)

// ErrUnknownRecordType is returned when parsing an unsupported record type.
var ErrUnknownRecordType = errors.New("unknown record type")

// AllRecordTypes lists every record type a caller can request.
func AllRecordTypes() []RecordType {
	return []RecordType{TypeBilling, TypeBucket, TypeObject, TypeObjectVersions}
}

// ParseRecordType parses a record type name a caller can request. "all" is
// not accepted here; callers expand it with AllRecordTypes. query_object is
// chosen by the collector and cannot be requested directly.
func ParseRecordType(s string) (RecordType, error) {
	switch rt := RecordType(strings.ToLower(strings.TrimSpace(s))); rt {
	case TypeObject, TypeObjectVersions, TypeBilling, TypeBucket:
		return rt, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRecordType, s)
	}
}

// PerBucket reports whether the type is collected once per bucket. Other
// types are collected once per namespace.
func (t RecordType) PerBucket() bool {
	return t == TypeObject || t == TypeQueryObject || t == TypeObjectVersions
}

// BucketKey identifies a bucket within the cluster.
type BucketKey struct {
	Namespace string
	Bucket    string
}

func (k BucketKey) String() string {
	return k.Namespace + "/" + k.Bucket
}

// NamespaceKey returns a key addressing a whole namespace.
func NamespaceKey(namespace string) BucketKey {
	return BucketKey{Namespace: namespace}
}

// IsNamespace reports whether the key addresses a namespace rather than a bucket.
func (k BucketKey) IsNamespace() bool {
	return k.Bucket == ""
}

// Bucket describes a bucket as reported by the management API.
type Bucket struct {
	Key     BucketKey
	ID      string
	Owner   string
	VPool   string
	APIType string
	Created time.Time

	SoftQuota         string
	BlockSize         int64
	NotificationSize  int64
	DefaultRetention  int64
	FSAccessEnabled   bool
	Locked            bool
	EncryptionEnabled bool
	StaleAllowed      bool

	// MetadataSearch is set when the bucket has metadata search enabled.
	// Such buckets are collected with the metadata query API.
	MetadataSearch bool
	// SearchKeys are the metadata keys indexed for search on this bucket.
	SearchKeys []string
}

// Owner is the owner of an object or version.
type Owner struct {
	ID          string
	DisplayName string
}

// Record is a single domain record. The set of implementations is closed.
type Record interface {
	record()
}

// ObjectRecord is one entry of a plain object listing.
type ObjectRecord struct {
	Bucket       BucketKey
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	Owner        *Owner
}

// QueryObjectRecord is one object matched by a metadata query. Metadata
// holds every system and user metadata pair the query returned.
type QueryObjectRecord struct {
	Bucket    BucketKey
	Key       string
	ObjectID  string
	VersionID string
	Metadata  map[string]string
}

// VersionRecord is one object version.
type VersionRecord struct {
	Bucket       BucketKey
	Key          string
	VersionID    string
	Size         int64
	ETag         string
	LastModified time.Time
	IsLatest     bool
	Owner        *Owner
}

// DeleteMarkerRecord is one delete marker in a version listing.
type DeleteMarkerRecord struct {
	Bucket       BucketKey
	Key          string
	VersionID    string
	LastModified time.Time
	IsLatest     bool
	Owner        *Owner
}

// NamespaceBillingRecord is the billing summary of a namespace.
type NamespaceBillingRecord struct {
	Namespace     string
	TotalSize     int64
	TotalSizeUnit string
	TotalObjects  int64
}

// BucketBillingRecord is the billing summary of a single bucket.
type BucketBillingRecord struct {
	Bucket        BucketKey
	VPoolID       string
	TotalSize     int64
	TotalSizeUnit string
	TotalObjects  int64
}

// BucketInfoRecord carries a bucket descriptor.
type BucketInfoRecord struct {
	Bucket Bucket
}

func (ObjectRecord) record()           {}
func (QueryObjectRecord) record()      {}
func (VersionRecord) record()          {}
func (DeleteMarkerRecord) record()     {}
func (NamespaceBillingRecord) record() {}
func (BucketBillingRecord) record()    {}
func (BucketInfoRecord) record()       {}

// Page is one page of records returned by a source. An empty NextToken
// means the listing is exhausted.
type Page struct {
	Records   []Record
	NextToken string
}

// Exhausted reports whether no further pages follow.
func (p Page) Exhausted() bool {
	return p.NextToken == ""
}
