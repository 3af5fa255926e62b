package research

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCostAccountant_RecordAccumulates(t *testing.T) {
	acct := NewCostAccountant("", 0.00001)

	n1 := acct.Record("design a momentum strategy for BTC/USDT")
	n2 := acct.Record("backtest results look promising")
	assert.Greater(t, n1, 0)
	assert.Greater(t, n2, 0)

	tokens, cost := acct.Totals()
	assert.Equal(t, n1+n2, tokens)
	assert.InDelta(t, float64(n1+n2)*0.00001, cost, 1e-12)
}

func TestCostAccountant_Restore(t *testing.T) {
	acct := NewCostAccountant("", 0.00001)
	acct.Restore(1234, 0.01234)

	tokens, cost := acct.Totals()
	assert.Equal(t, 1234, tokens)
	assert.InDelta(t, 0.01234, cost, 1e-12)

	// 恢复后继续累计
	n := acct.Record("continue where we left off")
	tokens, _ = acct.Totals()
	assert.Equal(t, 1234+n, tokens)
}

func TestCostAccountant_EmptyText(t *testing.T) {
	acct := NewCostAccountant("", 0.00001)
	assert.Equal(t, 0, acct.Record(""))

	tokens, cost := acct.Totals()
	assert.Equal(t, 0, tokens)
	assert.Zero(t, cost)
}

func TestCostAccountant_ConcurrentRecord(t *testing.T) {
	acct := NewCostAccountant("", 0)

	var wg sync.WaitGroup
	totals := make(chan int, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sum := 0
			for j := 0; j < 50; j++ {
				sum += acct.Record("tokens from a concurrent writer")
			}
			totals <- sum
		}()
	}
	wg.Wait()
	close(totals)

	want := 0
	for n := range totals {
		want += n
	}
	tokens, _ := acct.Totals()
	assert.Equal(t, want, tokens)
}
