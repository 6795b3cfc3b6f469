package mgmt

import (
	"context"

	"github.com/ecsmeta/ecsmeta/internal/records"
	"github.com/ecsmeta/ecsmeta/internal/source"
)

// ListPage serves billing and bucket descriptor records for the namespace of
// key. Tokens are management API markers.
func (c *Client) ListPage(ctx context.Context, key records.BucketKey, rt records.RecordType, token string) (records.Page, error) {
	switch rt {
	case records.TypeBucket:
		buckets, next, err := c.ListBucketsPage(ctx, key.Namespace, token)
		if err != nil {
			return records.Page{}, &source.ListError{Op: "ListBuckets", Bucket: key, Err: err}
		}
		page := records.Page{NextToken: next}
		for _, b := range buckets {
			page.Records = append(page.Records, records.BucketInfoRecord{Bucket: b})
		}
		return page, nil

	case records.TypeBilling:
		billing, err := c.NamespaceBillingPage(ctx, key.Namespace, token)
		if err != nil {
			return records.Page{}, &source.ListError{Op: "NamespaceBilling", Bucket: key, Err: err}
		}
		page := records.Page{NextToken: billing.NextMarker}
		if billing.Namespace != nil {
			page.Records = append(page.Records, *billing.Namespace)
		}
		for _, b := range billing.Buckets {
			page.Records = append(page.Records, b)
		}
		return page, nil

	default:
		return records.Page{}, &source.ListError{Op: "ListPage", Bucket: key, Err: source.ErrUnsupportedType}
	}
}

var _ source.Source = (*Client)(nil)
