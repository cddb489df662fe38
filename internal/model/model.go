// Package model holds the typed view of Manifold API payloads. All
// normalization of raw JSON (camelCase field names, epoch-millisecond
// timestamps) happens here; nothing outside this package touches raw
// payload shapes.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Outcome type tags as reported by the API.
const (
	OutcomeTypeBinary         = "BINARY"
	OutcomeTypeMultipleChoice = "MULTIPLE_CHOICE"
)

// Binary outcome sides.
const (
	OutcomeYes = "YES"
	OutcomeNo  = "NO"
)

// FlipOutcome returns the opposite side of a binary outcome.
func FlipOutcome(outcome string) string {
	if outcome == OutcomeYes {
		return OutcomeNo
	}
	return OutcomeYes
}

// Millis converts the API's epoch-millisecond integers to time.Time.
type Millis struct {
	time.Time
}

func (m *Millis) UnmarshalJSON(b []byte) error {
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return err
	}
	m.Time = time.UnixMilli(ms)
	return nil
}

func (m Millis) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Time.UnixMilli())
}

// Bet is a single order record, either from the live feed or from the
// historical bets endpoint.
type Bet struct {
	ID                   string   `json:"id"`
	UserID               string   `json:"userId"`
	ContractID           string   `json:"contractId"`
	AnswerID             string   `json:"answerId,omitempty"`
	Outcome              string   `json:"outcome"`
	Amount               float64  `json:"amount"`
	Shares               float64  `json:"shares"`
	LimitProb            *float64 `json:"limitProb,omitempty"`
	ProbBefore           float64  `json:"probBefore"`
	ProbAfter            float64  `json:"probAfter"`
	CreatedTime          Millis   `json:"createdTime"`
	IsFilled             bool     `json:"isFilled"`
	IsCancelled          bool     `json:"isCancelled"`
	IsAPI                bool     `json:"isApi"`
	IsRedemption         bool     `json:"isRedemption"`
	IsLiquidityProvision bool     `json:"isLiquidityProvision"`
}

// Answer is one option in a multiple-choice market.
type Answer struct {
	ID             string   `json:"id"`
	Index          int      `json:"index"`
	UserID         string   `json:"userId"`
	Text           string   `json:"text"`
	Probability    float64  `json:"probability"`
	IsOther        bool     `json:"isOther"`
	Resolution     string   `json:"resolution,omitempty"`
	TotalLiquidity *float64 `json:"totalLiquidity,omitempty"`
	PoolYes        *float64 `json:"poolYes,omitempty"`
	PoolNo         *float64 `json:"poolNo,omitempty"`
}

// Market is a single market with its answers, when multiple-choice.
type Market struct {
	ID                    string          `json:"id"`
	CreatorID             string          `json:"creatorId"`
	Question              string          `json:"question"`
	OutcomeType           string          `json:"outcomeType"`
	Mechanism             string          `json:"mechanism"`
	Probability           *float64        `json:"probability,omitempty"`
	TotalLiquidity        float64         `json:"totalLiquidity"`
	Volume                float64         `json:"volume"`
	Description           json.RawMessage `json:"description,omitempty"`
	TextDescription       string          `json:"textDescription,omitempty"`
	Answers               []Answer        `json:"answers,omitempty"`
	ShouldAnswersSumToOne *bool           `json:"shouldAnswersSumToOne,omitempty"`
	IsResolved            bool            `json:"isResolved"`
	Resolution            string          `json:"resolution,omitempty"`
	ResolutionProbability *float64        `json:"resolutionProbability,omitempty"`
	CreatedTime           Millis          `json:"createdTime"`
	CloseTime             Millis          `json:"closeTime"`
	Slug                  string          `json:"slug,omitempty"`
	URL                   string          `json:"url,omitempty"`
}

// Position is one user's holding in a market, as returned by the
// positions endpoint.
type Position struct {
	UserID           string             `json:"userId"`
	AnswerID         string             `json:"answerId,omitempty"`
	MaxSharesOutcome string             `json:"maxSharesOutcome"`
	TotalShares      map[string]float64 `json:"totalShares"`
	Profit           float64            `json:"profit"`
}

// Transaction is a mana transfer record.
type Transaction struct {
	ID          string          `json:"id"`
	FromID      string          `json:"fromId"`
	ToID        string          `json:"toId"`
	Amount      float64         `json:"amount"`
	Category    string          `json:"category"`
	CreatedTime Millis          `json:"createdTime"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// User is the subset of user fields the agent reads.
type User struct {
	ID       string  `json:"id"`
	Username string  `json:"username"`
	Name     string  `json:"name"`
	Balance  float64 `json:"balance"`
}

func (m *Market) IsMultipleChoice() bool {
	return m.OutcomeType == OutcomeTypeMultipleChoice
}

// AnswerByID returns the answer with the given ID, or nil.
func (m *Market) AnswerByID(answerID string) *Answer {
	for i := range m.Answers {
		if m.Answers[i].ID == answerID {
			return &m.Answers[i]
		}
	}
	return nil
}

// AnswerProbability returns the current probability of an answer, or
// false when the market is not multiple-choice or the answer is unknown.
func (m *Market) AnswerProbability(answerID string) (float64, bool) {
	if !m.IsMultipleChoice() {
		return 0, false
	}
	if a := m.AnswerByID(answerID); a != nil {
		return a.Probability, true
	}
	return 0, false
}

// AnswerLiquidity returns the liquidity attributed to a single answer.
// For cpmm-multi answers this is the answer's own liquidity pool; when
// only the YES/NO pools are present their sum is used.
func (m *Market) AnswerLiquidity(answerID string) (float64, bool) {
	if !m.IsMultipleChoice() {
		return 0, false
	}
	a := m.AnswerByID(answerID)
	if a == nil {
		return 0, false
	}
	if a.TotalLiquidity != nil {
		return *a.TotalLiquidity, true
	}
	if a.PoolYes != nil && a.PoolNo != nil {
		return *a.PoolYes + *a.PoolNo, true
	}
	return 0, false
}

// Liquidity returns market-level liquidity, or answer-level liquidity
// when answerID is non-empty.
func (m *Market) Liquidity(answerID string) (float64, bool) {
	if answerID == "" {
		return m.TotalLiquidity, true
	}
	return m.AnswerLiquidity(answerID)
}

// DescriptionText flattens the market description to plain text. The API
// delivers either a string or a rich-text document tree; both are
// handled so qualifiers can scan for opt-out tags.
func (m *Market) DescriptionText() string {
	if m.TextDescription != "" {
		return m.TextDescription
	}
	if len(m.Description) == 0 {
		return ""
	}
	var node any
	if err := json.Unmarshal(m.Description, &node); err != nil {
		return ""
	}
	return extractText(node)
}

func extractText(node any) string {
	switch v := node.(type) {
	case string:
		return v
	case []any:
		var out string
		for _, child := range v {
			out += extractText(child)
		}
		return out
	case map[string]any:
		var out string
		if text, ok := v["text"].(string); ok {
			out += text
		}
		if content, ok := v["content"].([]any); ok {
			for _, child := range content {
				out += extractText(child)
			}
		}
		return out
	}
	return ""
}

// BetBatch is one feed message: the new orders delivered together.
type BetBatch struct {
	Bets []Bet `json:"bets"`
}

// ParseBetBatch decodes a feed broadcast payload into typed bets. An
// empty or malformed payload is a protocol error; the caller logs it and
// skips the message.
func ParseBetBatch(data json.RawMessage) (BetBatch, error) {
	var batch BetBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		return BetBatch{}, fmt.Errorf("parsing bet batch: %w", err)
	}
	if len(batch.Bets) == 0 {
		return BetBatch{}, fmt.Errorf("bet batch contains no bets")
	}
	return batch, nil
}
