package domain

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Loan outcome values as stored in the bank_market table.
const (
	LoanInProgress = "in_progress"
	LoanDefaulted  = "defaulted"
	LoanPaid       = "paid"
)

// Investment outcome and side-selection values.
const (
	InvestmentWon  = "won"
	InvestmentLost = "lost"

	SelectionYes = "yes" // predicts repayment
	SelectionNo  = "no"  // predicts default
)

// Loan is a bank_market row. CreatedAt and SettledAt stay as raw strings;
// the settlement engine parses them and skips rows it cannot interpret.
type Loan struct {
	ID          string      `json:"id"`
	LoanID      string      `json:"loan_id"`
	LenderID    string      `json:"lender_id"`
	LendeeID    string      `json:"lendee_id"`
	Amount      float64     `json:"amount"`
	CreatedAt   string      `json:"created_at"`
	PriceSeries PriceSeries `json:"bank_arrays"`
	Outcome     string      `json:"outcome"`
}

// LoanRequest is a loan_req_market row joined to a Loan by req_id. EndTime is
// the loan duration in days.
type LoanRequest struct {
	ReqID     string   `json:"req_id"`
	EndTime   DayCount `json:"end_time"`
	CreatedAt string   `json:"created_at"`
}

// Investment is an investments row staked on one side of a loan market.
type Investment struct {
	ID         string  `json:"id"`
	LoanID     string  `json:"loan_id"`
	InvestorID string  `json:"investor_id"`
	Amount     float64 `json:"amount"`
	Selection  string  `json:"selection"`
	EntryPrice float64 `json:"entry_price"`
	Shares     float64 `json:"shares"`
}

// Profile is a profiles row. Balance and Profits move additively during
// settlement; NashScore is the borrower reputation metric.
type Profile struct {
	ID        string  `json:"id"`
	Balance   float64 `json:"balance"`
	Profits   float64 `json:"profits"`
	NashScore float64 `json:"nashScore"`
}

// PriceSeries is the market-derived probability track attached to a loan.
// The data store returns it either as a JSON array of numbers or as a string
// containing such an array; anything else decodes to an empty series.
type PriceSeries []float64

// UnmarshalJSON tolerates both encodings. Malformed payloads yield an empty
// series rather than an error, so one bad row cannot poison a whole select.
func (p *PriceSeries) UnmarshalJSON(data []byte) error {
	*p = nil

	var nums []json.Number
	if err := json.Unmarshal(data, &nums); err == nil {
		*p = numbersToFloats(nums)
		return nil
	}

	var embedded string
	if err := json.Unmarshal(data, &embedded); err == nil {
		if err := json.Unmarshal([]byte(embedded), &nums); err == nil {
			*p = numbersToFloats(nums)
		}
	}
	return nil
}

// Last returns the final sample and whether the series is non-empty.
func (p PriceSeries) Last() (float64, bool) {
	if len(p) == 0 {
		return 0, false
	}
	return p[len(p)-1], true
}

func numbersToFloats(nums []json.Number) []float64 {
	out := make([]float64, 0, len(nums))
	for _, n := range nums {
		f, err := n.Float64()
		if err != nil {
			f = 0
		}
		out = append(out, f)
	}
	return out
}

// DayCount is a duration in days that may arrive as a JSON number, a numeric
// string, or null. Valid is false only when the field was absent or null.
type DayCount struct {
	Days  int64
	Valid bool
}

// UnmarshalJSON decodes the flexible encodings used by the data store.
// Non-numeric strings decode to zero days, matching the lenient coercion the
// rest of the platform applies to this column.
func (d *DayCount) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == "" {
		d.Days, d.Valid = 0, false
		return nil
	}

	var num json.Number
	if err := json.Unmarshal(data, &num); err == nil {
		d.Valid = true
		if i, err := num.Int64(); err == nil {
			d.Days = i
		} else if f, err := num.Float64(); err == nil {
			d.Days = int64(f)
		}
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		d.Days, d.Valid = 0, false
		return nil
	}
	d.Valid = true
	if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
		d.Days = int64(f)
	}
	return nil
}

// MarshalJSON writes the day count back as a plain number.
func (d DayCount) MarshalJSON() ([]byte, error) {
	if !d.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(d.Days, 10)), nil
}
