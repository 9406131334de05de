package framework

import (
	"context"
	"fmt"
)

// Step 函数链中带名称的一步
type Step struct {
	Name string
	Fn   ProcessorFunc
}

// PreProcessor 函数链处理器
type PreProcessor struct {
	steps []Step
}

// NewPreProcessor 创建函数链处理器
func NewPreProcessor(steps ...Step) *PreProcessor {
	return &PreProcessor{
		steps: steps,
	}
}

// Run 执行函数链
// 任一步骤返回 error 则立即停止，ctx 取消时不再执行后续步骤
func (p *PreProcessor) Run(ctx context.Context) error {
	for i, step := range p.steps {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("step[%d] %s: %w", i, step.Name, err)
		}
		if err := step.Fn(ctx); err != nil {
			return fmt.Errorf("step[%d] %s failed: %w", i, step.Name, err)
		}
	}
	return nil
}
