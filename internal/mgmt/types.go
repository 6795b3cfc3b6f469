package mgmt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ecsmeta/ecsmeta/internal/records"
)

// The management API encodes some numbers and booleans as strings depending
// on the release. flexInt and flexBool accept either form.

type flexInt int64

func (n *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		*n = flexInt(v)
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("mgmt: invalid number %s", data)
	}
	*n = flexInt(math.Round(f))
	return nil
}

type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	if s == "" || s == "null" {
		*b = false
		return nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("mgmt: invalid boolean %s", data)
	}
	*b = flexBool(v)
	return nil
}

type namespaceList struct {
	Namespaces []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"namespace"`
}

type bucketList struct {
	Buckets    []bucketInfo `json:"object_bucket"`
	NextMarker string       `json:"NextMarker"`
}

type bucketInfo struct {
	Name              string   `json:"name"`
	ID                string   `json:"id"`
	Namespace         string   `json:"namespace"`
	Owner             string   `json:"owner"`
	VPool             string   `json:"vpool"`
	APIType           string   `json:"api_type"`
	Created           string   `json:"created"`
	SoftQuota         string   `json:"softquota"`
	BlockSize         flexInt  `json:"block_size"`
	NotificationSize  flexInt  `json:"notification_size"`
	DefaultRetention  flexInt  `json:"default_retention"`
	FSAccessEnabled   flexBool `json:"fs_access_enabled"`
	Locked            flexBool `json:"locked"`
	EncryptionEnabled flexBool `json:"is_encryption_enabled"`
	StaleAllowed      flexBool `json:"is_stale_allowed"`
	SearchMetadata    struct {
		Enabled  flexBool `json:"isEnabled"`
		Metadata []struct {
			Name string `json:"name"`
			Type string `json:"type"`
		} `json:"metadata"`
	} `json:"search_metadata"`
}

// createdLayouts are the timestamp forms seen in bucket descriptors.
var createdLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z0700", "2006-01-02T15:04:05Z0700"}

func (b bucketInfo) toBucket(namespace string) records.Bucket {
	ns := b.Namespace
	if ns == "" {
		ns = namespace
	}
	out := records.Bucket{
		Key:               records.BucketKey{Namespace: ns, Bucket: b.Name},
		ID:                b.ID,
		Owner:             b.Owner,
		VPool:             b.VPool,
		APIType:           b.APIType,
		SoftQuota:         b.SoftQuota,
		BlockSize:         int64(b.BlockSize),
		NotificationSize:  int64(b.NotificationSize),
		DefaultRetention:  int64(b.DefaultRetention),
		FSAccessEnabled:   bool(b.FSAccessEnabled),
		Locked:            bool(b.Locked),
		EncryptionEnabled: bool(b.EncryptionEnabled),
		StaleAllowed:      bool(b.StaleAllowed),
		MetadataSearch:    bool(b.SearchMetadata.Enabled),
	}
	for _, layout := range createdLayouts {
		if t, err := time.Parse(layout, b.Created); err == nil {
			out.Created = t.UTC()
			break
		}
	}
	for _, md := range b.SearchMetadata.Metadata {
		out.SearchKeys = append(out.SearchKeys, md.Name)
	}
	return out
}

type namespaceBilling struct {
	Namespace     string          `json:"namespace"`
	TotalSize     flexInt         `json:"total_size"`
	TotalSizeUnit string          `json:"total_size_unit"`
	TotalObjects  flexInt         `json:"total_objects"`
	Buckets       []bucketBilling `json:"bucket_billing_info"`
	NextMarker    string          `json:"next_marker"`
}

type bucketBilling struct {
	Name          string  `json:"name"`
	Namespace     string  `json:"namespace"`
	VPoolID       string  `json:"vpool_id"`
	TotalSize     flexInt `json:"total_size"`
	TotalSizeUnit string  `json:"total_size_unit"`
	TotalObjects  flexInt `json:"total_objects"`
}

func decodeJSON(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("mgmt: decode response: %w", err)
	}
	return nil
}
