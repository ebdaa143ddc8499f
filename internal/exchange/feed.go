package exchange

import "sync"

// liveFeed 保存最新报价并统计订阅引用数。
type liveFeed struct {
	info SymbolInfo

	mu    sync.RWMutex
	quote Quote
	refs  int
}

func newLiveFeed(info SymbolInfo) *liveFeed {
	return &liveFeed{info: info, quote: Quote{Symbol: info.Key}, refs: 1}
}

func (f *liveFeed) Info() SymbolInfo {
	return f.info
}

func (f *liveFeed) Quote() Quote {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.quote
}

func (f *liveFeed) set(q Quote) {
	if q.Bid <= 0 && q.Ask <= 0 {
		return
	}
	f.mu.Lock()
	f.quote = q
	f.mu.Unlock()
}

func (f *liveFeed) retain() {
	f.mu.Lock()
	f.refs++
	f.mu.Unlock()
}

func (f *liveFeed) release() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refs > 0 {
		f.refs--
	}
	return f.refs
}
