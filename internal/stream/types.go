package stream

import "time"

// State is the listener connection state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Subscribed
	Streaming
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	case Streaming:
		return "streaming"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Channel names a subscription channel of the venue.
type Channel string

const (
	ChannelAllMids Channel = "allMids"
	ChannelL1Book  Channel = "l1Book"
	ChannelTrades  Channel = "trades"
	ChannelMeta    Channel = "meta"
)

// Update is a normalized inbound message. The concrete types are
// MidsUpdate, BookUpdate, TradesUpdate and FundingUpdate.
type Update interface {
	Channel() Channel
}

// MidsUpdate carries aggregate mid prices keyed by coin.
type MidsUpdate struct {
	Mids     map[string]float64
	Received time.Time
}

func (MidsUpdate) Channel() Channel { return ChannelAllMids }

// BookLevel is one level of the top-of-book snapshot.
type BookLevel struct {
	Price  float64
	Size   float64
	Orders int
}

// BookUpdate carries the book of one coin, best levels first.
type BookUpdate struct {
	Coin     string
	Bids     []BookLevel
	Asks     []BookLevel
	Received time.Time
}

func (BookUpdate) Channel() Channel { return ChannelL1Book }

// Trade is one trade print.
type Trade struct {
	Coin  string
	Side  string
	Price float64
	Size  float64
	Time  time.Time
}

type TradesUpdate struct {
	Trades   []Trade
	Received time.Time
}

func (TradesUpdate) Channel() Channel { return ChannelTrades }

// AssetMeta is the funding and open interest of one coin.
type AssetMeta struct {
	Funding          float64
	PredictedFunding float64
	OpenInterest     float64
}

// FundingUpdate carries periodic metadata keyed by coin.
type FundingUpdate struct {
	Assets   map[string]AssetMeta
	Received time.Time
}

func (FundingUpdate) Channel() Channel { return ChannelMeta }

// LiveState is a copy of the listener's latest normalized data.
type LiveState struct {
	Mids             map[string]float64
	BestBid          map[string]float64
	BestAsk          map[string]float64
	Volume1m         map[string]float64
	Funding          map[string]float64
	PredictedFunding map[string]float64
	OpenInterest     map[string]float64
	LastMessage      time.Time
}

// HasData reports whether any mid price has been received.
func (s LiveState) HasData() bool {
	return len(s.Mids) > 0
}
