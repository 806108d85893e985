package model

import (
	"fmt"
	"strings"
)

// Topic is the kind of feed a subscription carries.
type Topic string

const (
	TopicTicker    Topic = "ticker"
	TopicOrderBook Topic = "orderbook"
	TopicTrade     Topic = "trade"

	// user stream topics
	TopicBalance   Topic = "balance"
	TopicOrder     Topic = "order"
	TopicUserTrade Topic = "user_trade"
)

// UserTopics are the streams opened per venue for an authenticated user.
var UserTopics = []Topic{TopicBalance, TopicOrder, TopicUserTrade}

// ParseTopic normalizes a client supplied topic name.
func ParseTopic(s string) (Topic, bool) {
	t := Topic(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case TopicTicker, TopicOrderBook, TopicTrade, TopicBalance, TopicOrder, TopicUserTrade:
		return t, true
	default:
		return "", false
	}
}

// AllSymbols as a SubscriptionKey target selects the venue's whole tradable set.
const AllSymbols = "*"

// SubscriptionKey identifies one upstream feed. Identical keys always share
// one upstream subscription, so it must stay comparable.
type SubscriptionKey struct {
	Topic  Topic  `json:"topic"`
	Venue  Venue  `json:"venue"`
	Target string `json:"symbol"` // symbol, AllSymbols or user id
	Params string `json:"params,omitempty"`
}

func (k SubscriptionKey) String() string {
	if k.Params == "" {
		return fmt.Sprintf("%s:%s:%s", k.Topic, k.Venue, k.Target)
	}
	return fmt.Sprintf("%s:%s:%s:%s", k.Topic, k.Venue, k.Target, k.Params)
}
