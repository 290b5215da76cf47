package validation

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/hivecoord/types"
)

// ChainMode 规则链执行模式
type ChainMode string

const (
	// ChainModeFailFast 快速失败模式：遇到第一个失败立即停止
	ChainModeFailFast ChainMode = "fail_fast"
	// ChainModeCollectAll 收集全部模式：执行所有规则并收集所有问题
	ChainModeCollectAll ChainMode = "collect_all"
	// ChainModeParallel 并行模式：并行执行所有规则并收集问题
	ChainModeParallel ChainMode = "parallel"
)

// Rule 单条负载校验规则
type Rule interface {
	Name() string
	// Priority 数字越小越先执行
	Priority() int
	Check(ctx context.Context, p types.Payload) ([]types.Issue, error)
}

// Chain 规则链，实现 types.Validator
// 按优先级顺序执行多条规则并聚合为 {valid, issues[]}
type Chain struct {
	rules []Rule
	mode  ChainMode
	mu    sync.RWMutex
}

// NewChain 创建规则链
func NewChain(mode ChainMode, rules ...Rule) *Chain {
	if mode == "" {
		mode = ChainModeCollectAll
	}
	c := &Chain{mode: mode}
	c.Add(rules...)
	return c
}

// Add 添加规则
func (c *Chain) Add(rules ...Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rules = append(c.rules, rules...)
}

// Len 返回规则数量
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.rules)
}

// Validate 实现 types.Validator
func (c *Chain) Validate(ctx context.Context, p types.Payload) (*types.ValidationResult, error) {
	c.mu.RLock()
	rules := make([]Rule, len(c.rules))
	copy(rules, c.rules)
	mode := c.mode
	c.mu.RUnlock()

	if mode == ChainModeParallel {
		return validateParallel(ctx, rules, p)
	}

	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority() < rules[j].Priority()
	})

	result := &types.ValidationResult{Valid: true}
	for _, r := range rules {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		issues, err := r.Check(ctx, p)
		if err != nil {
			// 规则本身执行失败按不通过处理，避免放行未检查的负载
			issues = append(issues, types.Issue{Rule: r.Name(), Message: "rule failed: " + err.Error()})
		}
		merge(result, issues)

		if mode == ChainModeFailFast && !result.Valid {
			return result, nil
		}
	}

	return result, nil
}

// validateParallel 并行执行所有规则并收集结果。
func validateParallel(ctx context.Context, rules []Rule, p types.Payload) (*types.ValidationResult, error) {
	results := make([][]types.Issue, len(rules))
	g, gctx := errgroup.WithContext(ctx)

	for i, r := range rules {
		i, r := i, r
		g.Go(func() error {
			issues, err := r.Check(gctx, p)
			if err != nil {
				issues = append(issues, types.Issue{Rule: r.Name(), Message: "rule failed: " + err.Error()})
			}
			results[i] = issues
			return nil // 收集全部结果，不提前终止
		})
	}
	_ = g.Wait()

	result := &types.ValidationResult{Valid: true}
	for _, issues := range results {
		merge(result, issues)
	}
	return result, ctx.Err()
}

func merge(result *types.ValidationResult, issues []types.Issue) {
	if len(issues) == 0 {
		return
	}
	result.Valid = false
	result.Issues = append(result.Issues, issues...)
}

// Require 执行校验并把失败转换为 VALIDATION 错误。
func Require(ctx context.Context, v types.Validator, p types.Payload) error {
	if v == nil {
		return nil
	}
	res, err := v.Validate(ctx, p)
	if err != nil {
		return types.NewValidationError("validator failed for payload %s", p.ID).WithCause(err)
	}
	if res != nil && !res.Valid {
		msg := "payload rejected"
		if len(res.Issues) > 0 {
			msg = res.Issues[0].Rule + ": " + res.Issues[0].Message
		}
		return types.NewValidationError("%s (%d issues)", msg, len(res.Issues))
	}
	return nil
}
