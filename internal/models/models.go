// Package models provides domain models for the option chain engine.
package models

import (
	"time"
)

// Exchange represents a stock exchange or derivatives segment.
type Exchange string

const (
	NSE Exchange = "NSE"
	BSE Exchange = "BSE"
	NFO Exchange = "NFO" // NSE F&O
	BFO Exchange = "BFO" // BSE F&O
)

// OptionSide represents the side of an option contract.
type OptionSide string

const (
	SideCall OptionSide = "CE"
	SidePut  OptionSide = "PE"
)

// StrikeTag is the positional tag of a strike within the ladder.
// Lower strikes are tagged ITM, higher strikes OTM, regardless of side.
type StrikeTag string

// TagATM is the tag of the at-the-money strike.
const TagATM StrikeTag = "ATM"

// Underlying represents an index underlying being tracked.
type Underlying struct {
	Name        string   // display name, e.g. "NIFTY"
	Exchange    Exchange // exchange of the spot index
	Segment     Exchange // derivatives segment (NFO/BFO)
	QuoteSymbol string   // streaming symbol for the spot quote
	BaseSymbol  string   // option symbol prefix, e.g. "NIFTY"
	Step        float64  // strike step, fixed per underlying
}

// Strike is a single level in the strike ladder.
type Strike struct {
	Level float64
	Tag   StrikeTag
}

// OptionContract is an immutable option contract in the current universe.
// Contracts are regenerated wholesale on ATM or expiry changes.
type OptionContract struct {
	Symbol     string
	Side       OptionSide
	Strike     float64
	Tag        StrikeTag
	Underlying string
	Expiry     time.Time
}

// DepthSnapshot is the latest normalized market state of one symbol.
type DepthSnapshot struct {
	Symbol        string
	LTP           float64
	BidPrice      float64
	BidQuantity   int64
	AskPrice      float64
	AskQuantity   int64
	Spread        float64
	SpreadPercent float64
	Volume        int64
	OI            int64
	Timestamp     time.Time
}

// ChainRow is one strike's row in a published chain snapshot.
// Call/Put are nil until a depth tick has been seen for that contract.
type ChainRow struct {
	Tag    StrikeTag
	Strike float64
	Call   *DepthSnapshot
	Put    *DepthSnapshot
}

// OptionChainSnapshot is an immutable chain state published atomically to
// the store. Readers never observe a partially-updated snapshot.
type OptionChainSnapshot struct {
	Underlying      string
	SpotLTP         float64
	ATMStrike       float64
	Expiry          time.Time
	Rows            []ChainRow
	TotalCallVolume int64
	TotalPutVolume  int64
	TotalCallOI     int64
	TotalPutOI      int64
	PutCallRatio    float64 // OI based, 0 when call OI is 0
	UpdatedAt       time.Time

	// Stale is set on read when the snapshot has outlived its TTL or the
	// feed is in degraded mode. Freshness is advisory, not a hard cutoff.
	Stale bool
}

// Account identifies one broker account in the failover hierarchy.
// The engine only reads accounts; ownership is external.
type Account struct {
	ID          string
	Broker      string
	IsPrimary   bool
	IsActive    bool
	HealthScore float64
}

// FailoverReason is the reason code recorded on a failover event.
type FailoverReason string

const (
	ReasonAuthFailed         FailoverReason = "auth_failed"
	ReasonRateLimited        FailoverReason = "rate_limited"
	ReasonAccountSuspended   FailoverReason = "account_suspended"
	ReasonHeartbeatTimeout   FailoverReason = "heartbeat_timeout"
	ReasonTransientDrop      FailoverReason = "transient_disconnect"
	ReasonRetriesExhausted   FailoverReason = "retries_exhausted"
	ReasonBrokerExhausted    FailoverReason = "broker_exhausted"
	ReasonHierarchyExhausted FailoverReason = "hierarchy_exhausted"
)

// FailoverEvent is one entry in the bounded failover audit trail.
type FailoverEvent struct {
	Timestamp   time.Time
	FromAccount string
	ToAccount   string
	Reason      FailoverReason
}
