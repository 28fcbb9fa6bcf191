package arena

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"text/template"
)

//go:embed prompts/*.md.tmpl
var promptsFS embed.FS

// PromptRenderer renders prompts from embedded templates.
type PromptRenderer struct {
	templates map[string]*template.Template
	mu        sync.RWMutex
}

// NewPromptRenderer creates a new prompt renderer.
func NewPromptRenderer() (*PromptRenderer, error) {
	r := &PromptRenderer{
		templates: make(map[string]*template.Template),
	}
	if err := r.loadTemplates(); err != nil {
		return nil, fmt.Errorf("loading templates: %w", err)
	}
	return r, nil
}

func (r *PromptRenderer) loadTemplates() error {
	return fs.WalkDir(promptsFS, "prompts", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".md.tmpl") {
			return nil
		}

		content, err := promptsFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}

		name := strings.TrimPrefix(path, "prompts/")
		name = strings.TrimSuffix(name, ".md.tmpl")

		tmpl, err := template.New(name).Parse(string(content))
		if err != nil {
			return fmt.Errorf("parsing template %s: %w", name, err)
		}
		r.templates[name] = tmpl
		return nil
	})
}

func (r *PromptRenderer) render(name string, params interface{}) (string, error) {
	r.mu.RLock()
	tmpl, ok := r.templates[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown template: %s", name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, params); err != nil {
		return "", fmt.Errorf("rendering %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()) + "\n", nil
}

// GenerateInitialParams parameterizes the round-0 launch prompt.
type GenerateInitialParams struct {
	Task         string
	Alias        string
	SolutionPath string
	AnalysisPath string
}

// RenderGenerateInitial renders the initial generate prompt.
func (r *PromptRenderer) RenderGenerateInitial(params GenerateInitialParams) (string, error) {
	return r.render("generate-initial", params)
}

// CritiqueRef points an agent at a sibling's critique file.
type CritiqueRef struct {
	Alias  string
	Branch string
	Path   string
}

// GenerateRevisionParams parameterizes the revision follow-up.
type GenerateRevisionParams struct {
	Round        int
	Alias        string
	SolutionPath string
	AnalysisPath string
	Critiques    []CritiqueRef
}

// RenderGenerateRevision renders the revision prompt. It references the
// sibling critique files by branch and path, never their contents.
func (r *PromptRenderer) RenderGenerateRevision(params GenerateRevisionParams) (string, error) {
	return r.render("generate-revision", params)
}

// SiblingRef points an agent at a sibling's solution and analysis.
type SiblingRef struct {
	Alias        string
	Branch       string
	SolutionPath string
	AnalysisPath string
}

// EvaluateParams parameterizes the evaluate follow-up.
type EvaluateParams struct {
	Round        int
	Alias        string
	ExampleAlias string
	CritiquePath string
	Siblings     []SiblingRef
}

// RenderEvaluate renders the evaluate prompt with the required verdict
// schema.
func (r *PromptRenderer) RenderEvaluate(params EvaluateParams) (string, error) {
	return r.render("evaluate", params)
}

// MissingFilesParams parameterizes the re-request directive.
type MissingFilesParams struct {
	Paths []string
}

// RenderMissingFiles renders the short directive to commit missing
// files at their exact paths.
func (r *PromptRenderer) RenderMissingFiles(params MissingFilesParams) (string, error) {
	return r.render("missing-files", params)
}

// VerdictRetryParams parameterizes the verdict re-request directive.
type VerdictRetryParams struct {
	Alias string
}

// RenderVerdictRetry renders the directive to re-emit a well-formed
// verdict block.
func (r *PromptRenderer) RenderVerdictRetry(params VerdictRetryParams) (string, error) {
	return r.render("verdict-retry", params)
}

// OperatorCommentParams parameterizes the wrapped operator message.
type OperatorCommentParams struct {
	Message string
}

// RenderOperatorComment renders the operator-context framing around an
// injected message.
func (r *PromptRenderer) RenderOperatorComment(params OperatorCommentParams) (string, error) {
	return r.render("operator-comment", params)
}
