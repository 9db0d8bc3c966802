package stream

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

var errIgnored = errors.New("stream: control message")

// decode turns a raw {channel, data} envelope into a typed Update. Control
// messages such as subscription acks and pongs return errIgnored.
func decode(raw []byte, received time.Time) (Update, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("invalid json")
	}
	msg := gjson.ParseBytes(raw)
	data := msg.Get("data")

	switch Channel(msg.Get("channel").String()) {
	case ChannelAllMids:
		return decodeMids(data, received), nil
	case ChannelL1Book:
		return decodeBook(data, received)
	case ChannelTrades:
		return decodeTrades(data, received), nil
	case ChannelMeta:
		return decodeMeta(data, received), nil
	case "subscriptionResponse", "pong", "error":
		return nil, errIgnored
	default:
		return nil, fmt.Errorf("unknown channel %q", msg.Get("channel").String())
	}
}

// decodeMids accepts {"mids": {coin: px}}, a bare {coin: px} object, or a
// list of {"coin", "px"} entries.
func decodeMids(data gjson.Result, received time.Time) MidsUpdate {
	u := MidsUpdate{Mids: make(map[string]float64), Received: received}
	add := func(coin string, px float64) {
		if coin != "" && px > 0 {
			u.Mids[strings.ToUpper(coin)] = px
		}
	}

	if mids := data.Get("mids"); mids.IsObject() {
		data = mids
	}
	if data.IsArray() {
		for _, e := range data.Array() {
			add(e.Get("coin").String(), e.Get("px").Float())
		}
		return u
	}
	data.ForEach(func(key, value gjson.Result) bool {
		add(key.String(), value.Float())
		return true
	})
	return u
}

func decodeBook(data gjson.Result, received time.Time) (BookUpdate, error) {
	coin := strings.ToUpper(data.Get("coin").String())
	if coin == "" {
		return BookUpdate{}, fmt.Errorf("book without coin")
	}
	levels := data.Get("levels").Array()
	u := BookUpdate{Coin: coin, Received: received}
	parse := func(side gjson.Result) []BookLevel {
		var out []BookLevel
		for _, l := range side.Array() {
			px := l.Get("px").Float()
			if px <= 0 {
				continue
			}
			out = append(out, BookLevel{Price: px, Size: l.Get("sz").Float(), Orders: int(l.Get("n").Int())})
		}
		return out
	}
	if len(levels) > 0 {
		u.Bids = parse(levels[0])
	}
	if len(levels) > 1 {
		u.Asks = parse(levels[1])
	}
	return u, nil
}

func decodeTrades(data gjson.Result, received time.Time) TradesUpdate {
	u := TradesUpdate{Received: received}
	for _, e := range data.Array() {
		px, sz := e.Get("px").Float(), e.Get("sz").Float()
		coin := strings.ToUpper(e.Get("coin").String())
		if coin == "" || px <= 0 || sz <= 0 {
			continue
		}
		ts := received
		if ms := e.Get("time").Int(); ms > 0 {
			ts = time.UnixMilli(ms)
		}
		u.Trades = append(u.Trades, Trade{Coin: coin, Side: e.Get("side").String(), Price: px, Size: sz, Time: ts})
	}
	return u
}

// decodeMeta reads universe[].{name, funding, predictedFunding, openInterest}.
// Funding may be a number or an object holding funding and predictedFunding.
func decodeMeta(data gjson.Result, received time.Time) FundingUpdate {
	u := FundingUpdate{Assets: make(map[string]AssetMeta), Received: received}
	for _, asset := range data.Get("universe").Array() {
		name := strings.ToUpper(asset.Get("name").String())
		if name == "" {
			continue
		}
		m := AssetMeta{OpenInterest: asset.Get("openInterest").Float()}
		if f := asset.Get("funding"); f.IsObject() {
			m.Funding = f.Get("funding").Float()
			m.PredictedFunding = f.Get("predictedFunding").Float()
		} else {
			m.Funding = f.Float()
			m.PredictedFunding = asset.Get("predictedFunding").Float()
		}
		u.Assets[name] = m
	}
	return u
}
