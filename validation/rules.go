package validation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/BaSui01/hivecoord/types"
)

// =============================================================================
// 📏 Built-in rules
// =============================================================================

// RequiredFields 要求负载具备 id 且 body 或 keywords 至少一项非空
type RequiredFields struct{}

func (RequiredFields) Name() string  { return "required_fields" }
func (RequiredFields) Priority() int { return 0 }

func (RequiredFields) Check(_ context.Context, p types.Payload) ([]types.Issue, error) {
	var issues []types.Issue
	if strings.TrimSpace(p.ID) == "" {
		issues = append(issues, types.Issue{Rule: "required_fields", Field: "id", Message: "id is required"})
	}
	if len(p.Body) == 0 && len(p.Keywords) == 0 {
		issues = append(issues, types.Issue{Rule: "required_fields", Field: "body", Message: "body or keywords required"})
	}
	if len(p.Body) > 0 && !json.Valid(p.Body) {
		issues = append(issues, types.Issue{Rule: "required_fields", Field: "body", Message: "body is not valid JSON"})
	}
	return issues, nil
}

// MaxBodySize 限制负载体积
type MaxBodySize struct {
	Limit int
}

func (MaxBodySize) Name() string  { return "max_body_size" }
func (MaxBodySize) Priority() int { return 10 }

func (m MaxBodySize) Check(_ context.Context, p types.Payload) ([]types.Issue, error) {
	if m.Limit > 0 && len(p.Body) > m.Limit {
		return []types.Issue{{
			Rule:    "max_body_size",
			Field:   "body",
			Message: fmt.Sprintf("body is %d bytes, limit %d", len(p.Body), m.Limit),
		}}, nil
	}
	return nil, nil
}

// ForbiddenPatterns 拒绝 body 中匹配任一模式的负载
type ForbiddenPatterns struct {
	patterns []*regexp.Regexp
}

// NewForbiddenPatterns compiles the given expressions.
func NewForbiddenPatterns(exprs ...string) (*ForbiddenPatterns, error) {
	f := &ForbiddenPatterns{}
	for _, e := range exprs {
		re, err := regexp.Compile(e)
		if err != nil {
			return nil, fmt.Errorf("compile pattern %q: %w", e, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

func (*ForbiddenPatterns) Name() string  { return "forbidden_patterns" }
func (*ForbiddenPatterns) Priority() int { return 20 }

func (f *ForbiddenPatterns) Check(ctx context.Context, p types.Payload) ([]types.Issue, error) {
	var issues []types.Issue
	for _, re := range f.patterns {
		if err := ctx.Err(); err != nil {
			return issues, err
		}
		if re.Match(p.Body) {
			issues = append(issues, types.Issue{
				Rule:    "forbidden_patterns",
				Field:   "body",
				Message: "matches " + re.String(),
			})
		}
	}
	return issues, nil
}

// DomainAllowlist 只接受已知领域
type DomainAllowlist struct {
	Domains []string
}

func (DomainAllowlist) Name() string  { return "domain_allowlist" }
func (DomainAllowlist) Priority() int { return 5 }

func (d DomainAllowlist) Check(_ context.Context, p types.Payload) ([]types.Issue, error) {
	if len(d.Domains) == 0 || p.Domain == "" {
		return nil, nil
	}
	for _, allowed := range d.Domains {
		if strings.EqualFold(allowed, p.Domain) {
			return nil, nil
		}
	}
	return []types.Issue{{Rule: "domain_allowlist", Field: "domain", Message: "unknown domain " + p.Domain}}, nil
}

// DefaultChain 返回协调层默认使用的规则链。
func DefaultChain(maxBody int) *Chain {
	return NewChain(ChainModeCollectAll, RequiredFields{}, MaxBodySize{Limit: maxBody})
}

// =============================================================================
// 🔏 Fingerprint
// =============================================================================

// SHA256Fingerprinter 对负载的身份字段做规范化 JSON 后计算 SHA-256。
type SHA256Fingerprinter struct{}

type canonicalPayload struct {
	ID          string          `json:"id"`
	Domain      string          `json:"domain"`
	Keywords    []string        `json:"keywords"`
	ContextTags []string        `json:"context_tags"`
	Body        json.RawMessage `json:"body"`
	Exclusive   bool            `json:"exclusive"`
	DependsOn   []string        `json:"depends_on"`
}

// Fingerprint implements types.Fingerprinter.
func (SHA256Fingerprinter) Fingerprint(p types.Payload) (string, error) {
	c := canonicalPayload{
		ID:          p.ID,
		Domain:      strings.ToLower(p.Domain),
		Keywords:    sortedLower(p.Keywords),
		ContextTags: sortedLower(p.ContextTags),
		Exclusive:   p.Exclusive,
		DependsOn:   sortedCopy(p.DependsOn),
	}
	if len(p.Body) > 0 {
		// 重新编码消除空白差异
		var v any
		if err := json.Unmarshal(p.Body, &v); err != nil {
			return "", types.NewValidationError("payload %s body is not valid JSON", p.ID).WithCause(err)
		}
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		c.Body = b
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func sortedLower(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToLower(s))
	}
	sort.Strings(out)
	return out
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
