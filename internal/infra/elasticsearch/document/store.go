// document contains the Elasticsearch-backed routing document store.
// Compare-and-swap tags are the seq number and primary term of the backing
// doc, rendered into the opaque domain Tag.
package document

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/eriklieben/streamshift/internal/domain/document"
	"github.com/eriklieben/streamshift/internal/domain/object"
	"github.com/eriklieben/streamshift/internal/infra/elasticsearch/common"
)

var (
	IndexName = common.IndexName(".streamshift_documents")

	tagSeparator = ":"
)

type jsonObjMap map[string]interface{}

// EsStore is the Elasticsearch document.Store and document.Lister
type EsStore struct {
	client *elasticsearch.Client
	getUTC func() time.Time // for mocking
}

// Ignore: this is for tests
func (e *EsStore) SetUTCGetter(getter func() time.Time) {
	e.getUTC = getter
}

func NewStore(client *elasticsearch.Client) *EsStore {
	return &EsStore{
		client: client,
		getUTC: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (e *EsStore) Get(ctx context.Context, obj object.Identifier) (*document.Document, document.Tag, error) {
	req := esapi.GetRequest{
		Index:      string(IndexName),
		DocumentID: docId(obj),
	}
	rawResp, err := req.Do(ctx, e.client)
	if err != nil {
		return nil, "", common.ElasticsearchErr{Underlying: err}
	}
	defer rawResp.Body.Close()
	switch rawResp.StatusCode {
	case 200:
		var resp common.EsGetResponse
		if err := json.NewDecoder(rawResp.Body).Decode(&resp); err != nil {
			return nil, "", common.JsonSerdesErr{Underlying: []error{err}}
		}
		var persisted persistedDocument
		if err := json.Unmarshal(resp.Source, &persisted); err != nil {
			return nil, "", common.JsonSerdesErr{Underlying: []error{err}}
		}
		doc := persisted.Document
		return &doc, renderTag(resp.SeqNum, resp.PrimaryTerm), nil
	case 404:
		return nil, "", document.NotFound{Object: obj}
	default:
		return nil, "", common.UnexpectedEsStatusError(rawResp)
	}
}

func (e *EsStore) Create(ctx context.Context, obj object.Identifier, doc *document.Document) (document.Tag, error) {
	now := e.getUTC()
	toPersistBytes, err := json.Marshal(e.toPersistable(obj, doc, now, now))
	if err != nil {
		return "", common.JsonSerdesErr{Underlying: []error{err}}
	}
	req := esapi.CreateRequest{
		Index:      string(IndexName),
		DocumentID: docId(obj),
		Body:       bytes.NewReader(toPersistBytes),
	}
	rawResp, err := req.Do(ctx, e.client)
	if err != nil {
		return "", common.ElasticsearchErr{Underlying: err}
	}
	defer rawResp.Body.Close()
	statusCode := rawResp.StatusCode
	switch {
	case 200 <= statusCode && statusCode <= 299:
		var resp common.EsCreateResponse
		if err := json.NewDecoder(rawResp.Body).Decode(&resp); err != nil {
			return "", common.JsonSerdesErr{Underlying: []error{err}}
		}
		return renderTag(resp.SeqNum, resp.PrimaryTerm), nil
	case statusCode == 409:
		return "", document.AlreadyExists{Object: obj}
	default:
		return "", common.UnexpectedEsStatusError(rawResp)
	}
}

func (e *EsStore) Update(ctx context.Context, obj object.Identifier, doc *document.Document, expected document.Tag) (document.Tag, error) {
	seqNum, primaryTerm, err := parseTag(expected)
	if err != nil {
		return "", err
	}
	now := e.getUTC()
	toPersistBytes, err := json.Marshal(e.toPersistable(obj, doc, now, now))
	if err != nil {
		return "", common.JsonSerdesErr{Underlying: []error{err}}
	}
	// The Index API (rather than the update API) avoids stale partial updates;
	// the optimistic locking params ensure we are _updating_
	req := esapi.IndexRequest{
		Index:         string(IndexName),
		DocumentID:    docId(obj),
		Body:          bytes.NewReader(toPersistBytes),
		IfSeqNo:       esapi.IntPtr(int(seqNum)),
		IfPrimaryTerm: esapi.IntPtr(int(primaryTerm)),
	}
	rawResp, err := req.Do(ctx, e.client)
	if err != nil {
		return "", common.ElasticsearchErr{Underlying: err}
	}
	defer rawResp.Body.Close()
	statusCode := rawResp.StatusCode
	switch {
	case 200 <= statusCode && statusCode <= 299:
		var resp common.EsUpdateResponse
		if err := json.NewDecoder(rawResp.Body).Decode(&resp); err != nil {
			return "", common.JsonSerdesErr{Underlying: []error{err}}
		}
		return renderTag(resp.SeqNum, resp.PrimaryTerm), nil
	case statusCode == 404:
		return "", document.NotFound{Object: obj}
	case statusCode == 409:
		return "", document.Conflict{Object: obj}
	default:
		return "", common.UnexpectedEsStatusError(rawResp)
	}
}

func (e *EsStore) List(ctx context.Context, names []object.Name, token document.PageToken, size int) (*document.Page, error) {
	searchBodyBytes, err := json.Marshal(buildListSearchBody(names, token, size))
	if err != nil {
		return nil, common.JsonSerdesErr{Underlying: []error{err}}
	}
	req := esapi.SearchRequest{
		Index:          []string{string(IndexName)},
		AllowNoIndices: esapi.BoolPtr(true),
		Body:           bytes.NewReader(searchBodyBytes),
	}
	rawResp, err := req.Do(ctx, e.client)
	if err != nil {
		return nil, common.ElasticsearchErr{Underlying: err}
	}
	defer rawResp.Body.Close()
	switch rawResp.StatusCode {
	case 200:
		var resp common.EsSearchResponse
		if err := json.NewDecoder(rawResp.Body).Decode(&resp); err != nil {
			return nil, common.JsonSerdesErr{Underlying: []error{err}}
		}
		page := document.Page{Items: make([]object.Identifier, 0, len(resp.Hits.Hits))}
		for _, hit := range resp.Hits.Hits {
			var persisted persistedDocument
			if err := json.Unmarshal(hit.Source, &persisted); err != nil {
				return nil, common.JsonSerdesErr{Underlying: []error{err}}
			}
			page.Items = append(page.Items, object.Identifier{
				Name: object.Name(persisted.ObjectName),
				Id:   object.Id(persisted.ObjectId),
			})
		}
		if len(resp.Hits.Hits) == size {
			page.Next = document.PageToken(resp.Hits.Hits[len(resp.Hits.Hits)-1].ID)
		}
		return &page, nil
	case 404:
		return &document.Page{}, nil
	default:
		return nil, common.UnexpectedEsStatusError(rawResp)
	}
}

func buildListSearchBody(names []object.Name, token document.PageToken, size int) jsonObjMap {
	body := jsonObjMap{
		"size": size,
		"sort": []jsonObjMap{
			{
				"_id": jsonObjMap{
					"order": "asc",
				},
			},
		},
	}
	if len(names) > 0 {
		nameStrings := make([]string, 0, len(names))
		for _, name := range names {
			nameStrings = append(nameStrings, string(name))
		}
		body["query"] = jsonObjMap{
			"bool": jsonObjMap{
				"filter": jsonObjMap{
					"terms": jsonObjMap{
						"object_name": nameStrings,
					},
				},
			},
		}
	} else {
		body["query"] = jsonObjMap{
			"match_all": jsonObjMap{},
		}
	}
	if token != "" {
		body["search_after"] = []string{string(token)}
	}
	return body
}

func (e *EsStore) toPersistable(obj object.Identifier, doc *document.Document, createdAt time.Time, modifiedAt time.Time) persistedDocument {
	return persistedDocument{
		ObjectName: string(obj.Name),
		ObjectId:   string(obj.Id),
		Document:   *doc,
		Metadata: common.PersistedMetadata{
			CreatedAt:  createdAt,
			ModifiedAt: modifiedAt,
		},
	}
}

func docId(obj object.Identifier) string {
	return obj.String()
}

func renderTag(seqNum uint64, primaryTerm uint64) document.Tag {
	return document.Tag(fmt.Sprintf("%d%s%d", seqNum, tagSeparator, primaryTerm))
}

func parseTag(tag document.Tag) (uint64, uint64, error) {
	parts := strings.Split(string(tag), tagSeparator)
	if len(parts) != 2 {
		return 0, 0, common.JsonSerdesErr{Underlying: []error{fmt.Errorf("malformed document tag [%s]", tag)}}
	}
	seqNum, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, 0, common.JsonSerdesErr{Underlying: []error{err}}
	}
	primaryTerm, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, 0, common.JsonSerdesErr{Underlying: []error{err}}
	}
	return seqNum, primaryTerm, nil
}

type persistedDocument struct {
	ObjectName string                  `json:"object_name"`
	ObjectId   string                  `json:"object_id"`
	Document   document.Document       `json:"document"`
	Metadata   common.PersistedMetadata `json:"metadata"`
}
