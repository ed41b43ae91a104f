package genai

import (
	"context"
	"fmt"
	"sort"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultModel is used when a request does not name one.
const DefaultModel = string(anthropic.ModelClaudeSonnet4_5)

const defaultMaxTokens = 8192

// AnthropicGenerator implements Generator using the Anthropic Messages API.
type AnthropicGenerator struct {
	client    anthropic.Client
	maxTokens int64
}

// NewAnthropicGenerator creates a generator that reads ANTHROPIC_API_KEY
// from the environment.
func NewAnthropicGenerator() *AnthropicGenerator {
	return &AnthropicGenerator{
		client:    anthropic.NewClient(),
		maxTokens: defaultMaxTokens,
	}
}

// NewAnthropicGeneratorWithKey creates a generator with an explicit API key.
func NewAnthropicGeneratorWithKey(apiKey string) *AnthropicGenerator {
	return &AnthropicGenerator{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		maxTokens: defaultMaxTokens,
	}
}

// Generate runs one role's prompt and parses the response into files.
func (g *AnthropicGenerator) Generate(ctx context.Context, req Request) (*Result, error) {
	profile := profileFor(req.Role)

	model := req.Model
	if model == "" {
		model = DefaultModel
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: g.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: profile.system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(req))),
		},
	}

	msg, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return nil, &GenerationError{Role: req.Role, Err: err}
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, &GenerationError{Role: req.Role, Err: fmt.Errorf("empty response")}
	}

	files := ParseFiles(text.String(), profile.defaultFile, profile.contentType)
	return &Result{
		Files: files,
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

// buildPrompt assembles the user turn: the requirement followed by upstream
// deliverables in a stable order.
func buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("Requirement:\n")
	b.WriteString(req.Requirement)

	if len(req.Context) > 0 {
		names := make([]string, 0, len(req.Context))
		for name := range req.Context {
			names = append(names, name)
		}
		sort.Strings(names)

		b.WriteString("\n\nContext from earlier roles:\n")
		for _, name := range names {
			fmt.Fprintf(&b, "\n--- %s ---\n%s\n", name, req.Context[name])
		}
	}
	return b.String()
}

// ParseFiles splits a model response into named files. File boundaries are
// lines of the form `=== filename ===`; a response with no markers becomes a
// single file under the role's default name. Fence lines inside a section
// are stripped when they wrap the entire section.
func ParseFiles(text, defaultName, contentType string) []File {
	lines := strings.Split(text, "\n")

	var files []File
	var current *File
	var body []string

	flush := func() {
		if current == nil {
			return
		}
		current.Content = strings.TrimSpace(stripFence(strings.Join(body, "\n"))) + "\n"
		files = append(files, *current)
		current = nil
		body = nil
	}

	for _, line := range lines {
		if name, ok := parseMarker(line); ok {
			flush()
			current = &File{Name: name, ContentType: contentType}
			continue
		}
		if current != nil {
			body = append(body, line)
		}
	}
	flush()

	if len(files) == 0 {
		return []File{{
			Name:        defaultName,
			Content:     strings.TrimSpace(stripFence(text)) + "\n",
			ContentType: contentType,
		}}
	}
	return files
}

func parseMarker(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "===") || !strings.HasSuffix(trimmed, "===") {
		return "", false
	}
	name := strings.TrimSpace(strings.Trim(trimmed, "= "))
	if name == "" || strings.ContainsAny(name, " \t") {
		return "", false
	}
	return name, true
}

// stripFence removes a markdown code fence when it wraps the whole text.
func stripFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return text
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 || strings.TrimSpace(lines[len(lines)-1]) != "```" {
		return text
	}
	return strings.Join(lines[1:len(lines)-1], "\n")
}
