package research

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// CostAccountant 累计工作流中 LLM 文本的 token 与费用。计数基于
// tiktoken 编码，编码数据首次使用时才初始化（可能需要下载）。
type CostAccountant struct {
	encoding     string
	costPerToken float64

	enc     *tiktoken.Tiktoken
	once    sync.Once
	initErr error

	mu         sync.Mutex
	tokensUsed int
	costUSD    float64
}

// NewCostAccountant 创建计数器。encoding 为空时使用 cl100k_base。
func NewCostAccountant(encoding string, costPerToken float64) *CostAccountant {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &CostAccountant{encoding: encoding, costPerToken: costPerToken}
}

func (a *CostAccountant) init() error {
	a.once.Do(func() {
		enc, err := tiktoken.GetEncoding(a.encoding)
		if err != nil {
			a.initErr = fmt.Errorf("init tiktoken encoding %s: %w", a.encoding, err)
			return
		}
		a.enc = enc
	})
	return a.initErr
}

// Count 返回文本的 token 数，不累计。
func (a *CostAccountant) Count(text string) (int, error) {
	if err := a.init(); err != nil {
		return 0, err
	}
	return len(a.enc.Encode(text, nil, nil)), nil
}

// Record 计数并累计到总量。编码初始化失败时退化为按 4 字符 1 token
// 估算，费用累计不中断工作流。
func (a *CostAccountant) Record(text string) int {
	n, err := a.Count(text)
	if err != nil {
		n = (len(text) + 3) / 4
	}
	a.mu.Lock()
	a.tokensUsed += n
	a.costUSD += float64(n) * a.costPerToken
	a.mu.Unlock()
	return n
}

// Totals 返回当前累计值。
func (a *CostAccountant) Totals() (tokens int, costUSD float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tokensUsed, a.costUSD
}

// Restore 从检查点恢复累计值。
func (a *CostAccountant) Restore(tokens int, costUSD float64) {
	a.mu.Lock()
	a.tokensUsed = tokens
	a.costUSD = costUSD
	a.mu.Unlock()
}
