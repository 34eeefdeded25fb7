package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/rs/zerolog/log"

	"github.com/eriklieben/streamshift/internal/infra/elasticsearch/common"
	esdocument "github.com/eriklieben/streamshift/internal/infra/elasticsearch/document"
	eslock "github.com/eriklieben/streamshift/internal/infra/elasticsearch/lock"
	esmigration "github.com/eriklieben/streamshift/internal/infra/elasticsearch/migration"
)

type TemplateName string
type Pattern = string
type Json = map[string]interface{}
type Mappings = map[string]interface{}

// Template defines a template to be applied when setup is run
type Template struct {
	name     TemplateName // ignored when serialising because the name doesn't start with a capital
	Patterns []Pattern    `json:"index_patterns"`
	Mappings Mappings     `json:"mappings,omitempty"`
}

func (t *Template) Name() TemplateName {
	return t.name
}

func NewTemplate(name TemplateName, patterns []Pattern, mappings Mappings) Template {
	return Template{name: name, Patterns: patterns, Mappings: mappings}
}

// TemplatesSetup holds a list of Templates and has the ability to actually
// send them to the server
type TemplatesSetup struct {
	esClient  *elasticsearch.Client
	Templates []Template
}

// Returns the default Template setter upper
func DefaultTemplateSetup(esClient *elasticsearch.Client) TemplatesSetup {
	return TemplatesSetup{
		esClient: esClient,
		Templates: []Template{
			DocumentsTemplate,
			LocksTemplate,
			MigrationsTemplate,
		},
	}
}

// Runs the setup
func (s *TemplatesSetup) Run(ctx context.Context) error {
	var errors []error
	for _, template := range s.Templates {
		if err := s.putTemplate(ctx, &template); err != nil {
			errors = append(errors, err)
		}
	}
	if len(errors) != 0 {
		return PutTemplateErrors{Errors: errors}
	} else {
		return nil
	}
}

// Checks if the current TemplatesSetup was run.
//
// This is currently a shallow check for template presence only.
func (s *TemplatesSetup) Check(ctx context.Context) error {
	indexTemplateNames := make([]string, 0, len(s.Templates))
	for _, t := range s.Templates {
		indexTemplateNames = append(indexTemplateNames, string(t.Name()))
	}

	indexTemplatesGetReq := esapi.IndicesGetTemplateRequest{Name: indexTemplateNames}

	rawResp, err := indexTemplatesGetReq.Do(ctx, s.esClient)
	if err != nil {
		return common.ElasticsearchErr{Underlying: err}
	}
	defer rawResp.Body.Close()
	switch rawResp.StatusCode {
	case 200:
		var mappings map[string]interface{}
		if err = json.NewDecoder(rawResp.Body).Decode(&mappings); err != nil {
			return common.JsonSerdesErr{Underlying: []error{err}}
		}
		var notPresent []string
		for _, name := range indexTemplateNames {
			if _, ok := mappings[name]; !ok {
				notPresent = append(notPresent, name)
			}
		}
		if len(notPresent) != 0 {
			return TemplatesNotInstalled{NotInstalled: notPresent}
		} else {
			return nil
		}
	case 404:
		return TemplatesNotInstalled{NotInstalled: indexTemplateNames}
	default:
		return common.UnexpectedEsStatusError(rawResp)
	}
}

func (s *TemplatesSetup) putTemplate(ctx context.Context, t *Template) error {
	asBytes, err := json.Marshal(t)
	log.Info().RawJSON("body", asBytes).Str("template_name", string(t.name)).Msg("Applying template")
	if err != nil {
		return common.JsonSerdesErr{Underlying: []error{err}}
	}
	putTemplateReq := esapi.IndicesPutTemplateRequest{
		Body: bytes.NewReader(asBytes),
		Name: string(t.name),
	}
	rawResp, err := putTemplateReq.Do(ctx, s.esClient)
	if err != nil {
		return common.ElasticsearchErr{Underlying: err}
	}
	defer rawResp.Body.Close()
	switch rawResp.StatusCode {
	case 200:
		return nil
	default:
		return common.UnexpectedEsStatusError(rawResp)
	}
}

type PutTemplateErrors struct {
	Errors []error
}

func (e PutTemplateErrors) Error() string {
	return fmt.Sprintf("Errors encountered [%v]", e.Errors)
}

type TemplatesNotInstalled struct {
	NotInstalled []string
}

func (t TemplatesNotInstalled) Error() string {
	return fmt.Sprintf("One or more app index templates were not installed. Please run the setup command to install them [%v]", t.NotInstalled)
}

// Templates

// Routing documents template. Dynamic mapping stays on since we only ever
// write persistence models, but the fields we filter and page on are pinned.
var DocumentsTemplate = NewTemplate(
	".streamshift_documents_index_template",
	[]Pattern{Pattern(esdocument.IndexName)},
	Mappings{
		"_source": Json{
			"enabled": true,
		},
		"dynamic": true,
		"properties": Json{
			"object_name": Json{
				"type": "keyword",
			},
			"object_id": Json{
				"type": "keyword",
			},
			"document": Json{
				"properties": Json{
					"active": Json{
						"properties": Json{
							"stream": Json{
								"type": "keyword",
							},
							"backend_ref": Json{
								"type": "keyword",
							},
							"last_known_version": Json{
								"type": "long",
							},
						},
					},
				},
			},
			"metadata": Json{
				"properties": Json{
					"created_at": Json{
						"type": "date",
					},
					"modified_at": Json{
						"type": "date",
					},
				},
			},
		},
	},
)

// Lease docs template
var LocksTemplate = NewTemplate(
	".streamshift_locks_index_template",
	[]Pattern{Pattern(eslock.IndexName)},
	Mappings{
		"_source": Json{
			"enabled": true,
		},
		"dynamic": true,
		"properties": Json{
			"owner": Json{
				"type": "keyword",
			},
			"expires_at": Json{
				"type": "date",
			},
			"ttl_millis": Json{
				"type": "long",
			},
		},
	},
)

// Migration records template
var MigrationsTemplate = NewTemplate(
	".streamshift_migrations_index_template",
	[]Pattern{Pattern(esmigration.IndexName)},
	Mappings{
		"_source": Json{
			"enabled": true,
		},
		"dynamic": true,
		"properties": Json{
			"object_name": Json{
				"type": "keyword",
			},
			"object_id": Json{
				"type": "keyword",
			},
			"source": Json{
				"type": "keyword",
			},
			"target": Json{
				"type": "keyword",
			},
			"source_backend": Json{
				"type": "keyword",
			},
			"target_backend": Json{
				"type": "keyword",
			},
			"phase": Json{
				"type": "keyword",
			},
			"status": Json{
				"type": "keyword",
			},
			"catch_up_attempts": Json{
				"type": "long",
			},
			"copied_source_version": Json{
				"type": "long",
			},
			"created_at": Json{
				"type": "date",
			},
			"updated_at": Json{
				"type": "date",
			},
		},
	},
)
