package ingest

import "github.com/ecsmeta/ecsmeta/internal/search"

// Index names.
const (
	ObjectIndex           = "ecs-s3-object"
	ObjectVersionIndex    = "ecs-s3-object-version"
	NamespaceBillingIndex = "ecs-billing-namespace"
	BucketBillingIndex    = "ecs-billing-bucket"
	BucketIndex           = "ecs-bucket"
)

// Document field names shared by object and version documents.
const (
	FieldLastModified   = "last_modified"
	FieldSize           = "size"
	FieldKey            = "key"
	FieldKeyAnalyzed    = "key_analyzed"
	FieldETag           = "e_tag"
	FieldNamespace      = "namespace"
	FieldBucket         = "bucket"
	FieldOwnerID        = "owner_id"
	FieldOwnerName      = "owner_name"
	FieldCollectionTime = "collection_time"
	FieldVersionID      = "version_id"
	FieldIsLatest       = "is_latest"

	FieldPosixGroupOwner = "x-amz-meta-x-emc-posix-group-owner-name"
	FieldPosixOwner      = "x-amz-meta-x-emc-posix-owner-name"
	FieldMTime           = "mtime"
)

// Billing and bucket document field names.
const (
	FieldTotalSize     = "total_size"
	FieldTotalSizeUnit = "total_size_unit"
	FieldTotalObjects  = "total_objects"
	FieldName          = "name"
	FieldVPoolID       = "vpool_id"

	FieldID                = "id"
	FieldOwner             = "owner"
	FieldVPool             = "vpool"
	FieldAPIType           = "api_type"
	FieldCreated           = "created"
	FieldSoftQuota         = "softquota"
	FieldBlockSize         = "block_size"
	FieldNotificationSize  = "notification_size"
	FieldDefaultRetention  = "default_retention"
	FieldFSAccessEnabled   = "fs_access_enabled"
	FieldLocked            = "locked"
	FieldEncryptionEnabled = "is_encryption_enabled"
	FieldStaleAllowed      = "is_stale_allowed"
	FieldMetadataSearch    = "search_metadata_enabled"
)

// ScrollWindow is the max_result_window of the indexes the purge engine
// scrolls. Purge pages never exceed it.
const ScrollWindow = 25000

// Schema is a destination index and its field mapping.
type Schema struct {
	Index   string
	Mapping search.Mapping
}

// ObjectSchema stores current objects from listings and metadata queries.
var ObjectSchema = Schema{
	Index: ObjectIndex,
	Mapping: search.Mapping{
		Category: "object-info",
		Properties: map[string]search.Field{
			FieldLastModified:    search.Date(),
			FieldSize:            search.Long(),
			FieldKey:             search.Keyword(),
			FieldKeyAnalyzed:     search.Text(),
			FieldETag:            search.Keyword(),
			FieldNamespace:       search.Keyword(),
			FieldBucket:          search.Keyword(),
			FieldOwnerID:         search.Keyword(),
			FieldOwnerName:       search.Keyword(),
			FieldCollectionTime:  search.Date(),
			FieldPosixGroupOwner: search.Keyword(),
			FieldPosixOwner:      search.Keyword(),
			FieldMTime:           search.Keyword(),
		},
		DynamicStringsAsKeyword: true,
		MaxResultWindow:         ScrollWindow,
	},
}

// ObjectVersionSchema stores versions and delete markers.
var ObjectVersionSchema = Schema{
	Index: ObjectVersionIndex,
	Mapping: search.Mapping{
		Category: "object-version-info",
		Properties: map[string]search.Field{
			FieldLastModified:   search.Date(),
			FieldSize:           search.Long(),
			FieldKey:            search.Keyword(),
			FieldKeyAnalyzed:    search.Text(),
			FieldETag:           search.Keyword(),
			FieldNamespace:      search.Keyword(),
			FieldBucket:         search.Keyword(),
			FieldOwnerID:        search.Keyword(),
			FieldOwnerName:      search.Keyword(),
			FieldCollectionTime: search.Date(),
			FieldVersionID:      search.Keyword(),
			FieldIsLatest:       search.Boolean(),
		},
		DynamicStringsAsKeyword: true,
		MaxResultWindow:         ScrollWindow,
	},
}

// NamespaceBillingSchema stores namespace billing summaries.
var NamespaceBillingSchema = Schema{
	Index: NamespaceBillingIndex,
	Mapping: search.Mapping{
		Category: "namespace-info",
		Properties: map[string]search.Field{
			FieldTotalSize:      search.Long(),
			FieldTotalSizeUnit:  search.Keyword(),
			FieldTotalObjects:   search.Long(),
			FieldNamespace:      search.Keyword(),
			FieldCollectionTime: search.Date(),
		},
	},
}

// BucketBillingSchema stores per-bucket billing summaries.
var BucketBillingSchema = Schema{
	Index: BucketBillingIndex,
	Mapping: search.Mapping{
		Category: "bucket-info",
		Properties: map[string]search.Field{
			FieldName:           search.Keyword(),
			FieldNamespace:      search.Keyword(),
			FieldTotalObjects:   search.Long(),
			FieldTotalSize:      search.Long(),
			FieldTotalSizeUnit:  search.Keyword(),
			FieldVPoolID:        search.Keyword(),
			FieldCollectionTime: search.Date(),
		},
	},
}

// BucketSchema stores bucket descriptors.
var BucketSchema = Schema{
	Index: BucketIndex,
	Mapping: search.Mapping{
		Category: "object-bucket",
		Properties: map[string]search.Field{
			FieldName:              search.Keyword(),
			FieldID:                search.Keyword(),
			FieldNamespace:         search.Keyword(),
			FieldOwner:             search.Keyword(),
			FieldVPool:             search.Keyword(),
			FieldAPIType:           search.Keyword(),
			FieldCreated:           search.Date(),
			FieldSoftQuota:         search.Keyword(),
			FieldBlockSize:         search.Long(),
			FieldNotificationSize:  search.Long(),
			FieldDefaultRetention:  search.Long(),
			FieldFSAccessEnabled:   search.Boolean(),
			FieldLocked:            search.Boolean(),
			FieldEncryptionEnabled: search.Boolean(),
			FieldStaleAllowed:      search.Boolean(),
			FieldMetadataSearch:    search.Boolean(),
			FieldCollectionTime:    search.Date(),
		},
		DynamicStringsAsKeyword: true,
	},
}

// Schemas lists every destination.
func Schemas() []Schema {
	return []Schema{ObjectSchema, ObjectVersionSchema, NamespaceBillingSchema, BucketBillingSchema, BucketSchema}
}

// SchemaByIndex returns the schema of the named index.
func SchemaByIndex(index string) (Schema, bool) {
	for _, s := range Schemas() {
		if s.Index == index {
			return s, true
		}
	}
	return Schema{}, false
}
