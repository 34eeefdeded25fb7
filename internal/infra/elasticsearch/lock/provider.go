// lock contains the Elasticsearch-backed lease provider. One lease is one
// document; acquisition is a create, takeover and renewal are optimistically
// locked index requests on the seq number and primary term.
package lock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/google/uuid"

	"github.com/eriklieben/streamshift/internal/domain/lock"
	"github.com/eriklieben/streamshift/internal/infra/elasticsearch/common"
)

var (
	IndexName = common.IndexName(".streamshift_locks")
)

// EsProvider is the Elasticsearch lock.Provider
type EsProvider struct {
	owner  lock.Owner
	client *elasticsearch.Client
	getUTC func() time.Time // for mocking
}

// Ignore: this is for tests
func (e *EsProvider) SetUTCGetter(getter func() time.Time) {
	e.getUTC = getter
}

func buildOwner() lock.Owner {
	uniquePart := strings.ReplaceAll(uuid.New().String(), "-", "")
	return lock.Owner(fmt.Sprintf("streamshift-%s", uniquePart))
}

// NewProvider returns a new lock.Provider.
//
// Generates a random owner id for the returned instance.
func NewProvider(client *elasticsearch.Client) *EsProvider {
	return &EsProvider{
		owner:  buildOwner(),
		client: client,
		getUTC: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (e *EsProvider) Acquire(ctx context.Context, key lock.Key, ttl time.Duration) (*lock.Handle, error) {
	now := e.getUTC()
	lease := leaseData{
		Owner:     e.owner,
		ExpiresAt: now.Add(ttl),
		TtlMillis: uint64(ttl / time.Millisecond),
	}
	if _, err := e.submitLease(ctx, key, lease); err == nil {
		return &lock.Handle{Key: key, Owner: e.owner, ExpiresAt: lease.ExpiresAt}, nil
	} else if _, isConflict := err.(conflict); !isConflict {
		return nil, err
	}

	// Lease doc already exists; it may be expired or even ours
	existing, err := e.getLease(ctx, key)
	if err != nil {
		if _, missing := err.(notFound); missing {
			// deleted between our create and get; treat as contended
			return nil, lock.Unavailable{Key: key}
		}
		return nil, err
	}
	if existing.Source.Owner != e.owner && now.Before(existing.Source.ExpiresAt) {
		return nil, lock.Unavailable{Key: key, HeldBy: existing.Source.Owner}
	}
	// Expired, or a re-acquire of our own lease. Jostle for it.
	taken, err := e.jostleForLease(ctx, key, lease, existing.SeqNum, existing.PrimaryTerm)
	if err != nil {
		switch err.(type) {
		case conflict, notFound:
			return nil, lock.Unavailable{Key: key, HeldBy: existing.Source.Owner}
		default:
			return nil, err
		}
	}
	return &lock.Handle{Key: key, Owner: e.owner, ExpiresAt: taken.Source.ExpiresAt}, nil
}

func (e *EsProvider) Renew(ctx context.Context, handle *lock.Handle) error {
	now := e.getUTC()
	existing, err := e.getLease(ctx, handle.Key)
	if err != nil {
		if _, missing := err.(notFound); missing {
			return lock.NotHeld{Key: handle.Key}
		}
		return err
	}
	if existing.Source.Owner != handle.Owner || now.After(existing.Source.ExpiresAt) {
		return lock.NotHeld{Key: handle.Key}
	}
	ttl := time.Duration(existing.Source.TtlMillis) * time.Millisecond
	renewed := leaseData{
		Owner:     handle.Owner,
		ExpiresAt: now.Add(ttl),
		TtlMillis: existing.Source.TtlMillis,
	}
	updated, err := e.jostleForLease(ctx, handle.Key, renewed, existing.SeqNum, existing.PrimaryTerm)
	if err != nil {
		switch err.(type) {
		case conflict, notFound:
			return lock.NotHeld{Key: handle.Key}
		default:
			return err
		}
	}
	handle.ExpiresAt = updated.Source.ExpiresAt
	return nil
}

func (e *EsProvider) Release(ctx context.Context, handle *lock.Handle) error {
	existing, err := e.getLease(ctx, handle.Key)
	if err != nil {
		if _, missing := err.(notFound); missing {
			return nil
		}
		return err
	}
	if existing.Source.Owner != handle.Owner {
		return nil
	}
	req := esapi.DeleteRequest{
		Index:         string(IndexName),
		DocumentID:    string(handle.Key),
		IfSeqNo:       esapi.IntPtr(int(existing.SeqNum)),
		IfPrimaryTerm: esapi.IntPtr(int(existing.PrimaryTerm)),
	}
	rawResp, err := req.Do(ctx, e.client)
	if err != nil {
		return common.ElasticsearchErr{Underlying: err}
	}
	defer rawResp.Body.Close()
	statusCode := rawResp.StatusCode
	switch {
	case 200 <= statusCode && statusCode <= 299:
		return nil
	case statusCode == 404, statusCode == 409:
		// already gone or usurped; release is idempotent
		return nil
	default:
		return common.UnexpectedEsStatusError(rawResp)
	}
}

func (e *EsProvider) getLease(ctx context.Context, key lock.Key) (*esLeaseInfo, error) {
	req := esapi.GetRequest{
		Index:      string(IndexName),
		DocumentID: string(key),
	}
	rawResp, err := req.Do(ctx, e.client)
	if err != nil {
		return nil, common.ElasticsearchErr{Underlying: err}
	}
	defer rawResp.Body.Close()
	switch rawResp.StatusCode {
	case 200:
		var info esLeaseInfo
		if err := json.NewDecoder(rawResp.Body).Decode(&info); err != nil {
			return nil, common.JsonSerdesErr{Underlying: []error{err}}
		}
		return &info, nil
	case 404:
		return nil, notFound{}
	default:
		return nil, common.UnexpectedEsStatusError(rawResp)
	}
}

func (e *EsProvider) submitLease(ctx context.Context, key lock.Key, lease leaseData) (*esLeaseInfo, error) {
	dataAsBytes, err := json.Marshal(lease)
	if err != nil {
		return nil, common.JsonSerdesErr{Underlying: []error{err}}
	}
	req := esapi.CreateRequest{
		Index:      string(IndexName),
		DocumentID: string(key),
		Body:       bytes.NewReader(dataAsBytes),
	}
	rawResp, err := req.Do(ctx, e.client)
	if err != nil {
		return nil, common.ElasticsearchErr{Underlying: err}
	}
	defer rawResp.Body.Close()
	statusCode := rawResp.StatusCode
	switch {
	case 200 <= statusCode && statusCode <= 299:
		var resp common.EsCreateResponse
		if err := json.NewDecoder(rawResp.Body).Decode(&resp); err != nil {
			return nil, common.JsonSerdesErr{Underlying: []error{err}}
		}
		return &esLeaseInfo{
			ID:          resp.ID,
			SeqNum:      resp.SeqNum,
			PrimaryTerm: resp.PrimaryTerm,
			Source:      lease,
		}, nil
	case statusCode == 409:
		return nil, conflict{}
	default:
		return nil, common.UnexpectedEsStatusError(rawResp)
	}
}

// Tries to update the lease doc so that we hold it. Purposely uses the Index
// API (rather than the update API) with optimistic locking data so stale
// partial updates cannot win.
func (e *EsProvider) jostleForLease(ctx context.Context, key lock.Key, lease leaseData, seqNum uint64, primaryTerm uint64) (*esLeaseInfo, error) {
	dataAsBytes, err := json.Marshal(lease)
	if err != nil {
		return nil, common.JsonSerdesErr{Underlying: []error{err}}
	}
	req := esapi.IndexRequest{
		Index:         string(IndexName),
		DocumentID:    string(key),
		Body:          bytes.NewReader(dataAsBytes),
		IfSeqNo:       esapi.IntPtr(int(seqNum)),
		IfPrimaryTerm: esapi.IntPtr(int(primaryTerm)),
	}
	rawResp, err := req.Do(ctx, e.client)
	if err != nil {
		return nil, common.ElasticsearchErr{Underlying: err}
	}
	defer rawResp.Body.Close()
	statusCode := rawResp.StatusCode
	switch {
	case 200 <= statusCode && statusCode <= 299:
		var resp common.EsUpdateResponse
		if err := json.NewDecoder(rawResp.Body).Decode(&resp); err != nil {
			return nil, common.JsonSerdesErr{Underlying: []error{err}}
		}
		return &esLeaseInfo{
			ID:          resp.ID,
			SeqNum:      resp.SeqNum,
			PrimaryTerm: resp.PrimaryTerm,
			Source:      lease,
		}, nil
	case statusCode == 404:
		return nil, notFound{}
	case statusCode == 409:
		return nil, conflict{}
	default:
		return nil, common.UnexpectedEsStatusError(rawResp)
	}
}

type notFound struct{}

func (n notFound) Error() string {
	return "No lease doc"
}

type conflict struct{}

func (n conflict) Error() string {
	return "Lease doc exists"
}

type leaseData struct {
	Owner     lock.Owner `json:"owner"`
	ExpiresAt time.Time  `json:"expires_at"`
	TtlMillis uint64     `json:"ttl_millis"`
}

type esLeaseInfo struct {
	ID          string    `json:"_id"`
	SeqNum      uint64    `json:"_seq_no"`
	PrimaryTerm uint64    `json:"_primary_term"`
	Source      leaseData `json:"_source"`
}
