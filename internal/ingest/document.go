package ingest

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ecsmeta/ecsmeta/internal/records"
)

// TimeFormat is how dates are written into documents.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// documentIDSpace namespaces deterministic document ids.
var documentIDSpace = uuid.MustParse("6f1c7a3e-2d4b-5b8e-9a61-0c3f8e2d7b14")

// Document is one record transformed for a destination.
type Document struct {
	ID   string
	Body map[string]any
}

// Batch is an ordered set of documents bound for one index, all stamped with
// the same collection time.
type Batch struct {
	Schema         Schema
	CollectionTime time.Time
	Docs           []Document
}

// SchemasFor returns the destinations written by a record type.
func SchemasFor(rt records.RecordType) []Schema {
	switch rt {
	case records.TypeObject, records.TypeQueryObject:
		return []Schema{ObjectSchema}
	case records.TypeObjectVersions:
		return []Schema{ObjectVersionSchema}
	case records.TypeBilling:
		return []Schema{NamespaceBillingSchema, BucketBillingSchema}
	case records.TypeBucket:
		return []Schema{BucketSchema}
	default:
		return nil
	}
}

// BuildBatches transforms records into one batch per destination. Batches
// are ordered by the first record bound for each destination, and documents
// keep the order of their records.
func BuildBatches(recs []records.Record, collectionTime time.Time) ([]Batch, error) {
	var batches []Batch
	pos := make(map[string]int)
	for _, rec := range recs {
		schema, doc, err := Transform(rec, collectionTime)
		if err != nil {
			return nil, err
		}
		i, ok := pos[schema.Index]
		if !ok {
			i = len(batches)
			pos[schema.Index] = i
			batches = append(batches, Batch{Schema: schema, CollectionTime: collectionTime})
		}
		batches[i].Docs = append(batches[i].Docs, doc)
	}
	return batches, nil
}

// Transform maps a record onto its destination and document.
func Transform(rec records.Record, collectionTime time.Time) (Schema, Document, error) {
	ct := formatTime(collectionTime)

	switch r := rec.(type) {
	case records.ObjectRecord:
		body := objectFields(r.Bucket, r.Key, ct)
		body[FieldLastModified] = formatTime(r.LastModified)
		body[FieldSize] = r.Size
		body[FieldETag] = r.ETag
		setOwner(body, r.Owner)
		return ObjectSchema, Document{ID: documentID(r.Bucket, r.Key, "", collectionTime), Body: body}, nil

	case records.QueryObjectRecord:
		body := make(map[string]any, len(r.Metadata)+6)
		for k, v := range r.Metadata {
			body[k] = v
		}
		for k, v := range objectFields(r.Bucket, r.Key, ct) {
			body[k] = v
		}
		body[FieldETag] = r.ObjectID
		return ObjectSchema, Document{ID: documentID(r.Bucket, r.Key, "", collectionTime), Body: body}, nil

	case records.VersionRecord:
		body := objectFields(r.Bucket, r.Key, ct)
		body[FieldLastModified] = formatTime(r.LastModified)
		body[FieldSize] = r.Size
		body[FieldETag] = r.ETag
		body[FieldVersionID] = r.VersionID
		body[FieldIsLatest] = r.IsLatest
		setOwner(body, r.Owner)
		return ObjectVersionSchema, Document{ID: documentID(r.Bucket, r.Key, r.VersionID, collectionTime), Body: body}, nil

	case records.DeleteMarkerRecord:
		body := objectFields(r.Bucket, r.Key, ct)
		body[FieldLastModified] = formatTime(r.LastModified)
		body[FieldVersionID] = r.VersionID
		body[FieldIsLatest] = r.IsLatest
		setOwner(body, r.Owner)
		return ObjectVersionSchema, Document{ID: documentID(r.Bucket, r.Key, r.VersionID, collectionTime), Body: body}, nil

	case records.NamespaceBillingRecord:
		body := map[string]any{
			FieldNamespace:      r.Namespace,
			FieldTotalSize:      r.TotalSize,
			FieldTotalSizeUnit:  r.TotalSizeUnit,
			FieldTotalObjects:   r.TotalObjects,
			FieldCollectionTime: ct,
		}
		key := records.NamespaceKey(r.Namespace)
		return NamespaceBillingSchema, Document{ID: documentID(key, "", "", collectionTime), Body: body}, nil

	case records.BucketBillingRecord:
		body := map[string]any{
			FieldName:           r.Bucket.Bucket,
			FieldNamespace:      r.Bucket.Namespace,
			FieldTotalSize:      r.TotalSize,
			FieldTotalSizeUnit:  r.TotalSizeUnit,
			FieldTotalObjects:   r.TotalObjects,
			FieldVPoolID:        r.VPoolID,
			FieldCollectionTime: ct,
		}
		return BucketBillingSchema, Document{ID: documentID(r.Bucket, "", "", collectionTime), Body: body}, nil

	case records.BucketInfoRecord:
		b := r.Bucket
		body := map[string]any{
			FieldName:              b.Key.Bucket,
			FieldNamespace:         b.Key.Namespace,
			FieldID:                b.ID,
			FieldOwner:             b.Owner,
			FieldVPool:             b.VPool,
			FieldAPIType:           b.APIType,
			FieldSoftQuota:         b.SoftQuota,
			FieldBlockSize:         b.BlockSize,
			FieldNotificationSize:  b.NotificationSize,
			FieldDefaultRetention:  b.DefaultRetention,
			FieldFSAccessEnabled:   b.FSAccessEnabled,
			FieldLocked:            b.Locked,
			FieldEncryptionEnabled: b.EncryptionEnabled,
			FieldStaleAllowed:      b.StaleAllowed,
			FieldMetadataSearch:    b.MetadataSearch,
			FieldCollectionTime:    ct,
		}
		if !b.Created.IsZero() {
			body[FieldCreated] = formatTime(b.Created)
		}
		return BucketSchema, Document{ID: documentID(b.Key, "", "", collectionTime), Body: body}, nil

	default:
		return Schema{}, Document{}, fmt.Errorf("ingest: unsupported record %T", rec)
	}
}

func objectFields(bucket records.BucketKey, key, collectionTime string) map[string]any {
	return map[string]any{
		FieldKey:            key,
		FieldKeyAnalyzed:    key,
		FieldNamespace:      bucket.Namespace,
		FieldBucket:         bucket.Bucket,
		FieldCollectionTime: collectionTime,
	}
}

// setOwner flattens owner into owner_id and owner_name. Both are null when
// the owner is absent.
func setOwner(body map[string]any, o *records.Owner) {
	body[FieldOwnerID] = nil
	body[FieldOwnerName] = nil
	if o == nil {
		return
	}
	if o.ID != "" {
		body[FieldOwnerID] = o.ID
	}
	if o.DisplayName != "" {
		body[FieldOwnerName] = o.DisplayName
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// documentID derives a stable id from the record identity and the collection
// time, so re-ingesting a page of the same run overwrites instead of
// duplicating.
func documentID(bucket records.BucketKey, key, versionID string, collectionTime time.Time) string {
	name := strings.Join([]string{
		bucket.Namespace,
		bucket.Bucket,
		key,
		versionID,
		strconv.FormatInt(collectionTime.UnixMilli(), 10),
	}, "\x00")
	return uuid.NewSHA1(documentIDSpace, []byte(name)).String()
}
