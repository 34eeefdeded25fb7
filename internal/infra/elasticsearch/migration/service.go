// migration contains the Elasticsearch-backed migration record store. Updates
// are last-write-wins; the distributed lock serializes writers of a record.
package migration

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/eriklieben/streamshift/internal/domain/document"
	"github.com/eriklieben/streamshift/internal/domain/migration"
	"github.com/eriklieben/streamshift/internal/domain/object"
	"github.com/eriklieben/streamshift/internal/infra/elasticsearch/common"
)

var (
	IndexName = common.IndexName(".streamshift_migrations")
)

type jsonObjMap map[string]interface{}

// EsService is the Elasticsearch migration.Service
type EsService struct {
	client *elasticsearch.Client
}

func NewService(client *elasticsearch.Client) migration.Service {
	return &EsService{client: client}
}

func (e *EsService) Get(ctx context.Context, obj object.Identifier) (*migration.Record, error) {
	req := esapi.GetRequest{
		Index:      string(IndexName),
		DocumentID: obj.String(),
	}
	rawResp, err := req.Do(ctx, e.client)
	if err != nil {
		return nil, common.ElasticsearchErr{Underlying: err}
	}
	defer rawResp.Body.Close()
	switch rawResp.StatusCode {
	case 200:
		var resp common.EsGetResponse
		if err := json.NewDecoder(rawResp.Body).Decode(&resp); err != nil {
			return nil, common.JsonSerdesErr{Underlying: []error{err}}
		}
		var persisted persistedRecord
		if err := json.Unmarshal(resp.Source, &persisted); err != nil {
			return nil, common.JsonSerdesErr{Underlying: []error{err}}
		}
		record := persisted.toDomain()
		return &record, nil
	case 404:
		return nil, migration.NotFound{Object: obj}
	default:
		return nil, common.UnexpectedEsStatusError(rawResp)
	}
}

func (e *EsService) Create(ctx context.Context, record *migration.Record) error {
	toPersistBytes, err := json.Marshal(toPersistable(record))
	if err != nil {
		return common.JsonSerdesErr{Underlying: []error{err}}
	}
	req := esapi.CreateRequest{
		Index:      string(IndexName),
		DocumentID: record.Object.String(),
		Body:       bytes.NewReader(toPersistBytes),
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
	case statusCode == 409:
		return migration.AlreadyExists{Object: record.Object}
	default:
		return common.UnexpectedEsStatusError(rawResp)
	}
}

func (e *EsService) Update(ctx context.Context, record *migration.Record) error {
	toPersistBytes, err := json.Marshal(toPersistable(record))
	if err != nil {
		return common.JsonSerdesErr{Underlying: []error{err}}
	}
	req := esapi.IndexRequest{
		Index:      string(IndexName),
		DocumentID: record.Object.String(),
		Body:       bytes.NewReader(toPersistBytes),
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
	default:
		return common.UnexpectedEsStatusError(rawResp)
	}
}

func (e *EsService) Delete(ctx context.Context, obj object.Identifier) error {
	req := esapi.DeleteRequest{
		Index:      string(IndexName),
		DocumentID: obj.String(),
	}
	rawResp, err := req.Do(ctx, e.client)
	if err != nil {
		return common.ElasticsearchErr{Underlying: err}
	}
	defer rawResp.Body.Close()
	statusCode := rawResp.StatusCode
	switch {
	case 200 <= statusCode && statusCode <= 299, statusCode == 404:
		return nil
	default:
		return common.UnexpectedEsStatusError(rawResp)
	}
}

func (e *EsService) ListResumable(ctx context.Context, limit int) ([]migration.Record, error) {
	searchBodyBytes, err := json.Marshal(buildResumableSearchBody(limit))
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
		records := make([]migration.Record, 0, len(resp.Hits.Hits))
		for _, hit := range resp.Hits.Hits {
			var persisted persistedRecord
			if err := json.Unmarshal(hit.Source, &persisted); err != nil {
				return nil, common.JsonSerdesErr{Underlying: []error{err}}
			}
			records = append(records, persisted.toDomain())
		}
		return records, nil
	case 404:
		return nil, nil
	default:
		return nil, common.UnexpectedEsStatusError(rawResp)
	}
}

func buildResumableSearchBody(limit int) jsonObjMap {
	resumable := migration.ResumableStatuses()
	statuses := make([]string, 0, len(resumable))
	for _, status := range resumable {
		statuses = append(statuses, status.String())
	}
	return jsonObjMap{
		"size": limit,
		"sort": []jsonObjMap{
			{
				"_id": jsonObjMap{
					"order": "asc",
				},
			},
		},
		"query": jsonObjMap{
			"bool": jsonObjMap{
				"filter": jsonObjMap{
					"terms": jsonObjMap{
						"status": statuses,
					},
				},
			},
		},
	}
}

type persistedRecord struct {
	ObjectName          string           `json:"object_name"`
	ObjectId            string           `json:"object_id"`
	Source              string           `json:"source"`
	Target              string           `json:"target"`
	SourceBackend       string           `json:"source_backend"`
	TargetBackend       string           `json:"target_backend"`
	Phase               migration.Phase  `json:"phase"`
	Status              migration.Status `json:"status"`
	Backup              string           `json:"backup,omitempty"`
	CatchUpAttempts     uint             `json:"catch_up_attempts"`
	CopiedSourceVersion uint64           `json:"copied_source_version"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

func toPersistable(record *migration.Record) persistedRecord {
	return persistedRecord{
		ObjectName:          string(record.Object.Name),
		ObjectId:            string(record.Object.Id),
		Source:              string(record.Source),
		Target:              string(record.Target),
		SourceBackend:       string(record.SourceBackend),
		TargetBackend:       string(record.TargetBackend),
		Phase:               record.Phase,
		Status:              record.Status,
		Backup:              string(record.Backup),
		CatchUpAttempts:     record.CatchUpAttempts,
		CopiedSourceVersion: uint64(record.CopiedSourceVersion),
		CreatedAt:           record.CreatedAt,
		UpdatedAt:           record.UpdatedAt,
	}
}

func (p *persistedRecord) toDomain() migration.Record {
	return migration.Record{
		Object: object.Identifier{
			Name: object.Name(p.ObjectName),
			Id:   object.Id(p.ObjectId),
		},
		Source:              object.StreamId(p.Source),
		Target:              object.StreamId(p.Target),
		SourceBackend:       document.BackendRef(p.SourceBackend),
		TargetBackend:       document.BackendRef(p.TargetBackend),
		Phase:               p.Phase,
		Status:              p.Status,
		Backup:              migration.BackupHandle(p.Backup),
		CatchUpAttempts:     p.CatchUpAttempts,
		CopiedSourceVersion: object.Version(p.CopiedSourceVersion),
		CreatedAt:           p.CreatedAt,
		UpdatedAt:           p.UpdatedAt,
	}
}
