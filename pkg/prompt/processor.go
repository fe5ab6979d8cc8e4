package prompt

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"text/template"

	"github.com/infermesh/infermesh/pkg/models"
)

// ProcessRequest carries one message list through templating and
// retrieval injection.
type ProcessRequest struct {
	Messages        []models.Message   `json:"messages"`
	OrgID           string             `json:"org_id,omitempty"`
	TemplateID      string             `json:"template_id,omitempty"`
	TemplateContent string             `json:"template_content,omitempty"`
	TemplateVars    map[string]string  `json:"template_vars,omitempty"`
	Template        models.TemplateCfg `json:"template_config"`
	Rag             models.RagCfg      `json:"rag_config"`
}

// ProcessResult is the transformed message list.
type ProcessResult struct {
	Messages       []models.Message `json:"messages"`
	UsedTemplateID string           `json:"used_template_id,omitempty"`
	RagContextUsed bool             `json:"rag_context_used"`
}

// Processor applies prompt policies. Fail-closed: any retrieval or
// rendering error aborts the request rather than sending an
// unpoliced prompt upstream.
type Processor struct {
	retriever Retriever
	logger    *slog.Logger
}

// NewProcessor creates a prompt processor.
func NewProcessor(retriever Retriever, logger *slog.Logger) *Processor {
	return &Processor{retriever: retriever, logger: logger}
}

// Process transforms the message list. The last user message is the
// query; with a template enabled the rendered output replaces every
// system message, otherwise retrieval context is prefixed onto the
// user message itself.
func (p *Processor) Process(ctx context.Context, req *ProcessRequest) (*ProcessResult, error) {
	if len(req.Messages) == 0 {
		return &ProcessResult{Messages: []models.Message{}}, nil
	}

	userIdx := models.LastUserIndex(req.Messages)
	if userIdx < 0 {
		return &ProcessResult{Messages: req.Messages}, nil
	}
	query := req.Messages[userIdx].Content

	usedTemplateID := req.TemplateID
	content := req.TemplateContent
	ragUsed := false

	if usedTemplateID == "" && req.Template.Enabled {
		usedTemplateID = req.Template.BaseTemplateID
		if req.Template.Content != "" {
			content = req.Template.Content
			if usedTemplateID == "" {
				usedTemplateID = "custom_override"
			}
		}
	}

	if (usedTemplateID != "" || content != "") && req.Template.Enabled {
		vars := map[string]string{}
		for k, v := range req.TemplateVars {
			vars[k] = v
		}

		for name, src := range req.Template.VariableMapping {
			switch src.Source {
			case "rag":
				collection := src.CollectionID
				if collection == "" {
					collection = "default"
				}
				topK := src.TopK
				if topK == 0 {
					topK = 3
				}
				val, err := p.retriever.AssembleContext(ctx, query, collection, orgOrDefault(req.OrgID), topK)
				if err != nil {
					return nil, fmt.Errorf("resolving template variable %q: %w", name, err)
				}
				if val != "" {
					vars[name] = val
					ragUsed = true
				}
			case "static":
				vars[name] = src.Value
			case "request":
				key := src.Key
				if key == "" {
					key = name
				}
				if v, ok := vars[key]; ok {
					vars[name] = v
				}
			}
		}

		if _, ok := vars["query"]; !ok {
			vars["query"] = query
		}

		// Legacy configs enable retrieval without mapping it to a
		// variable; those get the context under "context".
		if req.Rag.Enabled && !ragUsed {
			if _, ok := vars["context"]; !ok {
				val, err := p.assembleDefault(ctx, query, req)
				if err != nil {
					return nil, err
				}
				if val != "" {
					vars["context"] = val
					ragUsed = true
				}
			}
		}

		if content == "" {
			return nil, fmt.Errorf("template %q has no content", usedTemplateID)
		}
		system, err := render(content, vars)
		if err != nil {
			return nil, fmt.Errorf("rendering template %q: %w", usedTemplateID, err)
		}
		if usedTemplateID == "" {
			usedTemplateID = "dynamic"
		}

		out := make([]models.Message, 0, len(req.Messages)+1)
		out = append(out, models.Message{Role: models.RoleSystem, Content: system})
		for _, m := range req.Messages {
			if m.Role != models.RoleSystem {
				out = append(out, m)
			}
		}
		return &ProcessResult{Messages: out, UsedTemplateID: usedTemplateID, RagContextUsed: ragUsed}, nil
	}

	// No template: retrieval context is prefixed onto the user message.
	if req.Rag.Enabled {
		val, err := p.assembleDefault(ctx, query, req)
		if err != nil {
			return nil, err
		}
		if val != "" {
			out := append([]models.Message(nil), req.Messages...)
			out[userIdx].Content = "Context Information:\n" + val + "\n\n" + query
			return &ProcessResult{Messages: out, RagContextUsed: true}, nil
		}
	}

	return &ProcessResult{Messages: req.Messages, UsedTemplateID: usedTemplateID}, nil
}

func (p *Processor) assembleDefault(ctx context.Context, query string, req *ProcessRequest) (string, error) {
	collection := req.Rag.DefaultCollection
	if collection == "" {
		collection = "default"
	}
	topK := req.Rag.TopK
	if topK == 0 {
		topK = 3
	}
	val, err := p.retriever.AssembleContext(ctx, query, collection, orgOrDefault(req.OrgID), topK)
	if err != nil {
		return "", fmt.Errorf("assembling retrieval context: %w", err)
	}
	return val, nil
}

// render executes the template with missing keys treated as errors so a
// half-filled prompt never reaches the model.
func render(content string, vars map[string]string) (string, error) {
	tmpl, err := template.New("prompt").Option("missingkey=error").Parse(content)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func orgOrDefault(orgID string) string {
	if orgID == "" {
		return "default"
	}
	return orgID
}
