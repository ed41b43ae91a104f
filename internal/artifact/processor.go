package artifact

import (
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// DefaultMaxBytes is the per-artifact content ceiling.
const DefaultMaxBytes = 1 << 20 // 1 MiB

// suspiciousMarkers are content fragments that block ingestion outright.
var suspiciousMarkers = []string{"<script>", "eval(", "exec(", "system("}

// ScoreRule is one quality-scoring heuristic. When evaluates against the
// artifact environment (name, path, role, content_type, size, lines,
// content); a true result adds Weight to the base score.
type ScoreRule struct {
	Name   string
	When   string
	Weight float64
}

// DefaultScoreRules returns the built-in scoring heuristics. Scores rank
// artifacts for display only; they never block ingestion.
func DefaultScoreRules() []ScoreRule {
	return []ScoreRule{
		{Name: "non-empty", When: `size > 0`, Weight: 0.2},
		{Name: "reasonable-size", When: `size >= 100 && size <= 50000`, Weight: 0.1},
		{Name: "multi-line", When: `lines > 3`, Weight: 0.1},
		{Name: "typed", When: `content_type != ""`, Weight: 0.05},
		{Name: "commented", When: `content_type == "code" && (content contains "//" || content contains "#")`, Weight: 0.05},
	}
}

type compiledRule struct {
	name    string
	weight  float64
	program *vm.Program
}

// Processor validates, classifies, and scores artifacts before they enter
// a session's store. The pipeline short-circuits on the first failure:
// size ceiling, path sanitation, unsafe-content screen, then type inference
// and scoring.
type Processor struct {
	maxBytes int
	rules    []compiledRule
	logger   *slog.Logger
}

// NewProcessor compiles the scoring rules and returns a processor.
// A maxBytes of 0 selects DefaultMaxBytes.
func NewProcessor(maxBytes int, rules []ScoreRule, logger *slog.Logger) (*Processor, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	if rules == nil {
		rules = DefaultScoreRules()
	}

	p := &Processor{maxBytes: maxBytes, logger: logger}
	for _, r := range rules {
		program, err := expr.Compile(r.When, expr.Env(ruleEnv{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("compile score rule %q: %w", r.Name, err)
		}
		p.rules = append(p.rules, compiledRule{name: r.Name, weight: r.Weight, program: program})
	}
	return p, nil
}

// ruleEnv is the variable environment exposed to scoring expressions.
type ruleEnv struct {
	Name        string `expr:"name"`
	Path        string `expr:"path"`
	Role        string `expr:"role"`
	ContentType string `expr:"content_type"`
	Size        int    `expr:"size"`
	Lines       int    `expr:"lines"`
	Content     string `expr:"content"`
}

// Ingest validates a raw artifact and returns the processed copy, or a
// *RejectedError describing why it was dropped. Ingest never mutates its
// argument.
func (p *Processor) Ingest(raw *Artifact) (*Artifact, error) {
	if raw.Size() > p.maxBytes {
		return nil, &RejectedError{
			Name:   raw.Name,
			Reason: RejectOversize,
			Detail: fmt.Sprintf("%d bytes exceeds ceiling of %d", raw.Size(), p.maxBytes),
		}
	}

	declared := raw.Path
	if declared == "" {
		declared = defaultPath(raw)
	}
	clean, err := sanitizePath(declared)
	if err != nil {
		return nil, &RejectedError{Name: raw.Name, Reason: RejectInvalidPath, Detail: err.Error()}
	}

	lowered := strings.ToLower(raw.Content)
	for _, marker := range suspiciousMarkers {
		if strings.Contains(lowered, marker) {
			return nil, &RejectedError{
				Name:   raw.Name,
				Reason: RejectUnsafeContent,
				Detail: fmt.Sprintf("content contains %q", marker),
			}
		}
	}

	out := *raw
	out.Path = clean
	if out.ContentType == "" {
		out.ContentType = inferContentType(out.Name)
	}
	out.Score = p.score(&out)
	return &out, nil
}

// sanitizePath normalizes a declared project path and rejects anything
// resolving outside the project root.
func sanitizePath(declared string) (string, error) {
	if strings.ContainsRune(declared, '\\') {
		return "", fmt.Errorf("path %q contains backslash", declared)
	}
	if path.IsAbs(declared) {
		return "", fmt.Errorf("path %q is absolute", declared)
	}
	clean := path.Clean(declared)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path %q escapes the project root", declared)
	}
	return clean, nil
}

// defaultPath derives a project path from the artifact's name and type,
// mirroring the layout a scaffolded project would use.
func defaultPath(a *Artifact) string {
	name := strings.ToLower(a.Name)
	switch name {
	case "readme.md", "package.json", "requirements.txt", "dockerfile",
		"docker-compose.yml", ".gitignore", "makefile", "setup.py", "index.html":
		return a.Name
	}

	switch a.ContentType {
	case "documentation":
		return "docs/" + a.Name
	case "configuration":
		return "config/" + a.Name
	}

	switch {
	case strings.HasSuffix(name, ".jsx"), strings.HasSuffix(name, ".tsx"):
		return "src/components/" + a.Name
	case strings.HasSuffix(name, ".css"):
		return "src/styles/" + a.Name
	case strings.HasSuffix(name, ".md"):
		return "docs/" + a.Name
	case strings.HasSuffix(name, ".html"):
		return "public/" + a.Name
	}
	return "src/" + a.Name
}

// inferContentType classifies an artifact from its file name.
func inferContentType(name string) string {
	lowered := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lowered, ".md"), strings.HasSuffix(lowered, ".txt"):
		return "documentation"
	case strings.HasSuffix(lowered, ".json"), strings.HasSuffix(lowered, ".yaml"),
		strings.HasSuffix(lowered, ".yml"), strings.HasSuffix(lowered, ".toml"),
		strings.HasSuffix(lowered, ".ini"), strings.HasSuffix(lowered, ".env"):
		return "configuration"
	case strings.HasSuffix(lowered, ".py"), strings.HasSuffix(lowered, ".js"),
		strings.HasSuffix(lowered, ".ts"), strings.HasSuffix(lowered, ".jsx"),
		strings.HasSuffix(lowered, ".tsx"), strings.HasSuffix(lowered, ".go"),
		strings.HasSuffix(lowered, ".css"), strings.HasSuffix(lowered, ".html"):
		return "code"
	}
	return "text"
}

// score evaluates the rule table against the artifact. The result is
// bounded to [0, 1]. A rule that errors at runtime is skipped.
func (p *Processor) score(a *Artifact) float64 {
	env := ruleEnv{
		Name:        a.Name,
		Path:        a.Path,
		Role:        a.Role,
		ContentType: a.ContentType,
		Size:        a.Size(),
		Lines:       strings.Count(a.Content, "\n") + 1,
		Content:     a.Content,
	}

	score := 0.5
	for _, rule := range p.rules {
		result, err := expr.Run(rule.program, env)
		if err != nil {
			p.logger.Warn("score rule evaluation failed", "rule", rule.name, "error", err)
			continue
		}
		if matched, ok := result.(bool); ok && matched {
			score += rule.weight
		}
	}

	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}
