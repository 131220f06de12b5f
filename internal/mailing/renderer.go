// Package mailing renders campaign message templates for individual
// customers using the Liquid template language.
package mailing

import (
	"errors"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/ignite/audience-pipeline/internal/domain"
)

// ErrTemplate wraps template syntax and render failures.
var ErrTemplate = errors.New("template error")

// Renderer handles Liquid template rendering with caching. Safe for
// concurrent use.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // cache key -> *liquid.Template
}

// TemplateWarning flags a variable that some customers may not have.
type TemplateWarning struct {
	Variable string `json:"variable"`
	Message  string `json:"message"`
}

// Rendered is a message rendered for one customer.
type Rendered struct {
	Subject  string            `json:"subject"`
	Body     string            `json:"body"`
	Warnings []TemplateWarning `json:"warnings,omitempty"`
}

// NewRenderer creates a renderer with the custom filters registered.
func NewRenderer() *Renderer {
	r := &Renderer{engine: liquid.NewEngine()}
	r.registerFilters()
	return r
}

func (r *Renderer) registerFilters() {
	// {{ name | default: "Friend" }}
	r.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return defaultVal
		}
		return value
	})

	r.engine.RegisterFilter("capitalize", func(s string) string {
		if len(s) == 0 {
			return s
		}
		return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
	})

	r.engine.RegisterFilter("urlencode", func(s string) string {
		return url.QueryEscape(s)
	})

	r.engine.RegisterFilter("escape", func(s string) string {
		return html.EscapeString(s)
	})

	// {{ total_spent | currency }}
	r.engine.RegisterFilter("currency", func(value interface{}) string {
		var f float64
		switch v := value.(type) {
		case float64:
			f = v
		case int:
			f = float64(v)
		case int64:
			f = float64(v)
		case string:
			parsed, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return v
			}
			f = parsed
		default:
			return fmt.Sprintf("%v", value)
		}
		return fmt.Sprintf("$%.2f", f)
	})

	r.engine.RegisterFilter("email_domain", func(email string) string {
		if i := strings.LastIndex(email, "@"); i >= 0 {
			return email[i+1:]
		}
		return ""
	})
}

// Parse compiles a template string and returns any syntax errors.
func (r *Renderer) Parse(src string) error {
	if _, err := r.engine.ParseString(src); err != nil {
		return fmt.Errorf("%w: %v", ErrTemplate, err)
	}
	return nil
}

// Render processes a template with the given bindings. A non-empty cacheKey
// caches the parsed template; callers must change the key when the source
// changes.
func (r *Renderer) Render(cacheKey, src string, bindings map[string]interface{}) (string, error) {
	var tpl *liquid.Template
	if cacheKey != "" {
		if cached, ok := r.cache.Load(cacheKey); ok {
			tpl = cached.(*liquid.Template)
		}
	}
	if tpl == nil {
		parsed, err := r.engine.ParseString(src)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrTemplate, err)
		}
		tpl = parsed
		if cacheKey != "" {
			r.cache.Store(cacheKey, tpl)
		}
	}

	out, err := tpl.RenderString(bindings)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplate, err)
	}
	return out, nil
}

// RenderFor renders a campaign's subject and body for one customer.
func (r *Renderer) RenderFor(c *domain.Campaign, cust domain.Customer) (*Rendered, error) {
	bindings := Bindings(c, cust)
	subject, err := r.Render(c.ID+":subject", c.Template.Subject, bindings)
	if err != nil {
		return nil, fmt.Errorf("render subject: %w", err)
	}
	body, err := r.Render(c.ID+":body", c.Template.Body, bindings)
	if err != nil {
		return nil, fmt.Errorf("render body: %w", err)
	}
	return &Rendered{
		Subject:  subject,
		Body:     body,
		Warnings: MissingVariables(c.Template.Subject+"\n"+c.Template.Body, bindings),
	}, nil
}

// Bindings builds the template context: every customer attribute at the top
// level, plus customer_id and a campaign object.
func Bindings(c *domain.Campaign, cust domain.Customer) map[string]interface{} {
	b := make(map[string]interface{}, len(cust.Attributes)+2)
	for k, v := range cust.Attributes {
		b[k] = v
	}
	b["customer_id"] = cust.ID
	b["campaign"] = map[string]interface{}{
		"id":   c.ID,
		"name": c.Name,
	}
	return b
}

var varPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_.]*?)(?:\s*\||\s*\}\})`)

// MissingVariables lists {{ variables }} referenced by src that are absent
// from bindings.
func MissingVariables(src string, bindings map[string]interface{}) []TemplateWarning {
	var out []TemplateWarning
	seen := make(map[string]bool)
	for _, m := range varPattern.FindAllStringSubmatch(src, -1) {
		name := strings.TrimSpace(m[1])
		if seen[name] || name == "forloop" {
			continue
		}
		seen[name] = true
		if !exists(name, bindings) {
			out = append(out, TemplateWarning{
				Variable: name,
				Message:  fmt.Sprintf("Variable '%s' may not be defined for all customers", name),
			})
		}
	}
	return out
}

func exists(path string, bindings map[string]interface{}) bool {
	var cur interface{} = bindings
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return false
		}
		if cur, ok = m[part]; !ok {
			return false
		}
	}
	return true
}
