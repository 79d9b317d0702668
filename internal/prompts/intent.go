package prompts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/seenimoa/zchatbot/internal/llm"
)

// Template is an ordered list of chat messages whose contents may carry
// {placeholder} variables.
type Template struct {
	Name     string        `yaml:"name"`
	Messages []llm.Message `yaml:"messages"`
}

// Format renders every message of the template with vars.
func (t Template) Format(vars map[string]string) []llm.Message {
	out := make([]llm.Message, len(t.Messages))
	for i, m := range t.Messages {
		out[i] = llm.Message{Role: m.Role, Content: Render(m.Content, vars)}
	}
	return out
}

// Text joins the raw message contents.
func (t Template) Text() string {
	parts := make([]string, 0, len(t.Messages))
	for _, m := range t.Messages {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n\n")
}

// yamlMessage mirrors llm.Message for decoding; llm.Message only carries
// json tags.
type yamlMessage struct {
	Role    string `yaml:"role"`
	Content string `yaml:"content"`
}

// IntentLoader resolves intent prompts by name. A name maps to the first of
// `{name}.md`, `{name}.txt`, `{name}.yaml` or `{name}.yml` in the directory;
// markdown and text files become a single system message, YAML files hold a
// message list. Names with no file fall back to the built-in templates.
type IntentLoader struct {
	dir      string
	logger   *zap.Logger
	builtins map[string]Template

	mu    sync.RWMutex
	cache map[string]Template
}

// IntentLoaderOption configures an IntentLoader.
type IntentLoaderOption func(*IntentLoader)

// WithIntentLogger sets the logger.
func WithIntentLogger(l *zap.Logger) IntentLoaderOption {
	return func(il *IntentLoader) { il.logger = l }
}

// WithBuiltins replaces the fallback templates. Pass nil to disable them.
func WithBuiltins(b map[string]Template) IntentLoaderOption {
	return func(il *IntentLoader) { il.builtins = b }
}

// NewIntentLoader creates an intent prompt loader rooted at dir.
func NewIntentLoader(dir string, opts ...IntentLoaderOption) *IntentLoader {
	il := &IntentLoader{
		dir:      dir,
		logger:   zap.NewNop(),
		builtins: Builtins(),
		cache:    make(map[string]Template),
	}
	for _, opt := range opts {
		opt(il)
	}
	return il
}

// Get returns the template registered under name.
func (il *IntentLoader) Get(name string) (Template, error) {
	il.mu.RLock()
	t, ok := il.cache[name]
	il.mu.RUnlock()
	if ok {
		return t, nil
	}

	t, err := il.load(name)
	if err != nil {
		return Template{}, err
	}
	il.mu.Lock()
	il.cache[name] = t
	il.mu.Unlock()
	return t, nil
}

// Text returns the template's content as one string (system prompt use).
func (il *IntentLoader) Text(name string) (string, error) {
	t, err := il.Get(name)
	if err != nil {
		return "", err
	}
	return t.Text(), nil
}

// Watch drops cached templates when files in the directory change.
func (il *IntentLoader) Watch(ctx context.Context) error {
	return watchDir(ctx, il.dir, il.logger, func(file string) {
		name := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
		il.mu.Lock()
		delete(il.cache, name)
		il.mu.Unlock()
	})
}

func (il *IntentLoader) load(name string) (Template, error) {
	for _, ext := range []string{".md", ".txt", ".yaml", ".yml"} {
		path := filepath.Join(il.dir, name+ext)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return Template{}, fmt.Errorf("prompts: read %s: %w", path, err)
		}

		il.logger.Info("intent prompt loaded", zap.String("prompt_name", name), zap.String("path", path))
		if ext == ".yaml" || ext == ".yml" {
			return parseYAMLTemplate(name, data)
		}
		return Template{Name: name, Messages: []llm.Message{llm.SystemMessage(string(data))}}, nil
	}

	if t, ok := il.builtins[name]; ok {
		return t, nil
	}
	return Template{}, fmt.Errorf("%w: intent prompt %q in %q", ErrNotFound, name, il.dir)
}

func parseYAMLTemplate(name string, data []byte) (Template, error) {
	var doc struct {
		Messages []yamlMessage `yaml:"messages"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil || len(doc.Messages) == 0 {
		// A bare list is accepted too.
		var list []yamlMessage
		if err2 := yaml.Unmarshal(data, &list); err2 != nil {
			if err == nil {
				err = err2
			}
			return Template{}, fmt.Errorf("prompts: parse %s: %w", name, err)
		}
		doc.Messages = list
	}
	if len(doc.Messages) == 0 {
		return Template{}, fmt.Errorf("prompts: %s has no messages", name)
	}

	t := Template{Name: name}
	for _, m := range doc.Messages {
		role := llm.Role(strings.ToLower(strings.TrimSpace(m.Role)))
		switch role {
		case "human":
			role = llm.RoleUser
		case "ai":
			role = llm.RoleAssistant
		case llm.RoleSystem, llm.RoleUser, llm.RoleAssistant:
		default:
			return Template{}, fmt.Errorf("prompts: %s has unknown role %q", name, m.Role)
		}
		t.Messages = append(t.Messages, llm.Message{Role: role, Content: m.Content})
	}
	return t, nil
}
