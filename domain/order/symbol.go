package order

// Symbol is a configured trading pair. Base is the traded asset, Quote the
// pricing currency (BTCUSDT -> BTC, USDT).
type Symbol struct {
	Name  string
	Base  string
	Quote string
}
