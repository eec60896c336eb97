// Package settlement resolves matured loans: it determines each loan's
// outcome, redistributes stakes between the winning and losing sides,
// credits the lender bonus, and updates borrower reputation — directly for
// repaid loans, via the scoring oracle for defaulted ones.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/nashlabs/lendmarket/internal/domain"
)

// Persistence tables touched by a settlement pass.
const (
	tableLoans        = "bank_market"
	tableLoanRequests = "loan_req_market"
	tableInvestments  = "investments"
	tableProfiles     = "profiles"
)

const (
	// investorShare / lenderShare split the gross payout of a winning
	// investment: 90% to the investor, 10% accrues to the lender bonus.
	investorShare = 0.90
	lenderShare   = 0.10

	// defaultThreshold: a final price-series sample below this implies the
	// market priced the loan as defaulting.
	defaultThreshold = 0.5

	// fallbackEntryPrice replaces non-positive entry prices when deriving
	// share counts.
	fallbackEntryPrice = 0.5
)

// Engine runs settlement passes against the data store and scoring oracle.
// A pass must not run concurrently with itself; the runner serializes passes
// through a distributed lock.
type Engine struct {
	store  domain.DataStore
	oracle domain.ScoreOracle
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates a settlement Engine.
func NewEngine(store domain.DataStore, oracle domain.ScoreOracle, logger *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		oracle: oracle,
		logger: logger.With(slog.String("component", "settlement")),
		now:    time.Now,
	}
}

// Report summarizes one settlement pass.
type Report struct {
	StartedAt          time.Time `json:"started_at"`
	FinishedAt         time.Time `json:"finished_at"`
	LoansExamined      int       `json:"loans_examined"`
	LoansSettled       int       `json:"loans_settled"`
	LoansDefaulted     int       `json:"loans_defaulted"`
	LoansPaid          int       `json:"loans_paid"`
	LoansSkipped       int       `json:"loans_skipped"`
	LoansFailed        int       `json:"loans_failed"`
	InvestmentsSettled int       `json:"investments_settled"`
	DefaultedBorrowers []string  `json:"defaulted_borrowers,omitempty"`
	ScoresRefreshed    int       `json:"scores_refreshed"`
}

// loanResult is the explicit per-unit outcome of processing one loan. The
// orchestrating loop inspects it and decides continuation deterministically.
type loanResult struct {
	settled     bool
	defaulted   bool
	investments int
	defaultID   string
	err         error
}

// Run executes one complete settlement pass. Per-loan failures are isolated
// and logged; only the final oracle batch failure can abort the
// reputation-refresh step, and even that leaves the rest of the pass intact.
func (e *Engine) Run(ctx context.Context) (Report, error) {
	report := Report{StartedAt: e.now().UTC()}

	loans, err := e.fetchActiveLoans(ctx)
	if err != nil {
		e.logger.ErrorContext(ctx, "unable to fetch active loans", slog.String("error", err.Error()))
		report.FinishedAt = e.now().UTC()
		return report, err
	}
	report.LoansExamined = len(loans)
	if len(loans) == 0 {
		report.FinishedAt = e.now().UTC()
		return report, nil
	}

	pass := newPassState()
	var defaultIDs []string

	for i := range loans {
		loan := loans[i]
		res := e.processLoanSafely(ctx, pass, loan)

		switch {
		case res.err != nil:
			report.LoansFailed++
			e.logger.ErrorContext(ctx, "failed to process loan",
				slog.String("loan_id", loan.LoanID),
				slog.String("error", res.err.Error()),
			)
		case !res.settled:
			report.LoansSkipped++
		default:
			report.LoansSettled++
			report.InvestmentsSettled += res.investments
			if res.defaulted {
				report.LoansDefaulted++
				if res.defaultID != "" {
					defaultIDs = append(defaultIDs, res.defaultID)
				}
			} else {
				report.LoansPaid++
			}
		}
	}

	report.DefaultedBorrowers = dedupe(defaultIDs)
	if len(report.DefaultedBorrowers) > 0 {
		report.ScoresRefreshed = e.refreshNashScores(ctx, pass, report.DefaultedBorrowers)
	}

	report.FinishedAt = e.now().UTC()
	e.logger.InfoContext(ctx, "settlement pass finished",
		slog.Int("examined", report.LoansExamined),
		slog.Int("settled", report.LoansSettled),
		slog.Int("defaulted", report.LoansDefaulted),
		slog.Int("failed", report.LoansFailed),
	)
	return report, nil
}

// processLoanSafely shields the batch from anything one loan can throw,
// including panics from unexpected row shapes.
func (e *Engine) processLoanSafely(ctx context.Context, pass *passState, loan domain.Loan) (res loanResult) {
	defer func() {
		if r := recover(); r != nil {
			res = loanResult{err: fmt.Errorf("settlement: panic processing loan: %v", r)}
		}
	}()
	return e.processLoan(ctx, pass, loan)
}

// processLoan settles a single loan end to end.
func (e *Engine) processLoan(ctx context.Context, pass *passState, loan domain.Loan) loanResult {
	// Terminal outcomes are never reprocessed, even if the select filter let
	// one slip through.
	if loan.Outcome != "" && loan.Outcome != domain.LoanInProgress {
		return loanResult{}
	}

	request, err := e.fetchRequest(ctx, loan.LoanID)
	if err != nil {
		return loanResult{err: err}
	}
	if request == nil {
		return loanResult{}
	}

	dueAt, ok := dueTime(loan.CreatedAt, request.EndTime)
	if !ok || e.now().Before(dueAt) {
		return loanResult{}
	}

	defaulted := isDefaulted(loan)

	if err := e.closeLoan(ctx, loan, defaulted); err != nil {
		return loanResult{err: err}
	}

	settled, lenderBonus := e.settleInvestments(ctx, pass, loan, defaulted)

	if defaulted {
		return loanResult{settled: true, defaulted: true, investments: settled, defaultID: loan.LendeeID}
	}

	e.applyNashBonus(ctx, pass, loan.LendeeID, loan.Amount, lenderBonus)
	return loanResult{settled: true, investments: settled}
}

// fetchActiveLoans returns every loan still marked in_progress.
func (e *Engine) fetchActiveLoans(ctx context.Context) ([]domain.Loan, error) {
	var loans []domain.Loan
	err := e.store.Select(ctx, tableLoans, map[string]string{
		"select":  "id,loan_id,lender_id,lendee_id,amount,created_at,bank_arrays,outcome",
		"outcome": "eq." + domain.LoanInProgress,
	}, &loans)
	if err != nil {
		return nil, fmt.Errorf("settlement: fetch active loans: %w", err)
	}
	return loans, nil
}

// fetchRequest returns the loan request joined by req_id, or nil when absent.
func (e *Engine) fetchRequest(ctx context.Context, requestID string) (*domain.LoanRequest, error) {
	var rows []domain.LoanRequest
	err := e.store.Select(ctx, tableLoanRequests, map[string]string{
		"select": "req_id,end_time,created_at",
		"req_id": "eq." + requestID,
	}, &rows)
	if err != nil {
		return nil, fmt.Errorf("settlement: fetch loan request %s: %w", requestID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// dueTime computes creation time + duration days. ok is false when either
// side is unusable.
func dueTime(createdAt string, days domain.DayCount) (time.Time, bool) {
	created, ok := parseTime(createdAt)
	if !ok || !days.Valid {
		return time.Time{}, false
	}
	return created.Add(time.Duration(days.Days) * 24 * time.Hour), true
}

// timeLayouts are the timestamp encodings the data store has been seen to
// emit for created_at columns.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// isDefaulted resolves the loan outcome: the explicit outcome field is ground
// truth, then the final price-series sample, and an absent series means the
// loan is treated as repaid.
func isDefaulted(loan domain.Loan) bool {
	switch strings.ToLower(loan.Outcome) {
	case domain.LoanDefaulted:
		return true
	case domain.LoanPaid:
		return false
	}

	if last, ok := loan.PriceSeries.Last(); ok {
		return last < defaultThreshold
	}
	return false
}

// closeLoan patches the terminal outcome onto the loan row. A failure here
// abandons the loan for this pass so funds are never moved on a loan that is
// still open.
func (e *Engine) closeLoan(ctx context.Context, loan domain.Loan, defaulted bool) error {
	outcome := domain.LoanPaid
	if defaulted {
		outcome = domain.LoanDefaulted
	}

	err := e.store.Patch(ctx, tableLoans, map[string]any{
		"outcome":    outcome,
		"done":       true,
		"down":       true,
		"settled_at": e.timestamp(),
	}, map[string]string{"id": "eq." + loan.ID})
	if err != nil {
		return fmt.Errorf("settlement: close loan %s: %w", loan.ID, err)
	}
	return nil
}

// settleInvestments resolves every investment staked on the loan and returns
// the number settled together with the accumulated lender bonus. Failures on
// individual investments or profile patches are logged and skipped; they do
// not abandon the remaining investments.
func (e *Engine) settleInvestments(ctx context.Context, pass *passState, loan domain.Loan, defaulted bool) (int, float64) {
	investments, err := e.fetchInvestments(ctx, loan.LoanID)
	if err != nil {
		e.logger.ErrorContext(ctx, "unable to fetch investments",
			slog.String("loan_id", loan.LoanID),
			slog.String("error", err.Error()),
		)
		return 0, 0
	}
	if len(investments) == 0 {
		return 0, 0
	}

	lenderBonus := 0.0
	settled := 0
	stamp := e.timestamp()

	for _, inv := range investments {
		shares := computeShares(inv)
		winning := winningSelection(inv.Selection, defaulted)

		var outcome string
		var profit float64
		if winning {
			gross := shares
			credit := gross * investorShare
			lenderBonus += gross * lenderShare
			profit = credit - inv.Amount
			outcome = domain.InvestmentWon
			e.adjustProfile(ctx, pass, inv.InvestorID, credit, profit)
		} else {
			profit = -inv.Amount
			outcome = domain.InvestmentLost
			e.adjustProfile(ctx, pass, inv.InvestorID, 0, profit)
		}

		if err := e.updateInvestment(ctx, inv.ID, outcome, profit, shares, stamp); err != nil {
			e.logger.ErrorContext(ctx, "failed to update investment",
				slog.String("investment_id", inv.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		settled++
	}

	if lenderBonus > 0 && loan.LenderID != "" {
		// The bonus is pure profit for the lender.
		e.adjustProfile(ctx, pass, loan.LenderID, lenderBonus, lenderBonus)
	}

	return settled, lenderBonus
}

func (e *Engine) fetchInvestments(ctx context.Context, loanID string) ([]domain.Investment, error) {
	var rows []domain.Investment
	err := e.store.Select(ctx, tableInvestments, map[string]string{
		"select":  "id,loan_id,investor_id,amount,selection,entry_price,shares",
		"loan_id": "eq." + loanID,
	}, &rows)
	if err != nil {
		return nil, fmt.Errorf("settlement: fetch investments for %s: %w", loanID, err)
	}
	return rows, nil
}

// winningSelection: the side predicting default wins on default, the side
// predicting repayment wins on repayment.
func winningSelection(selection string, defaulted bool) bool {
	s := strings.ToLower(selection)
	if defaulted {
		return s == domain.SelectionNo
	}
	return s == domain.SelectionYes
}

// computeShares prefers the stored share count; otherwise derives it from
// stake and entry price, rounded to 6 decimal places.
func computeShares(inv domain.Investment) float64 {
	if inv.Shares > 0 {
		return inv.Shares
	}

	entry := inv.EntryPrice
	if entry <= 0 {
		entry = fallbackEntryPrice
	}
	if inv.Amount <= 0 {
		return 0
	}
	return round6(inv.Amount / entry)
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func (e *Engine) updateInvestment(ctx context.Context, id, outcome string, profit, shares float64, stamp string) error {
	err := e.store.Patch(ctx, tableInvestments, map[string]any{
		"outcome":       outcome,
		"profit_amount": profit,
		"shares":        shares,
		"settled_at":    stamp,
	}, map[string]string{"id": "eq." + id})
	if err != nil {
		return fmt.Errorf("settlement: update investment %s: %w", id, err)
	}
	return nil
}

// adjustProfile applies additive balance/profit deltas to a profile via
// read-modify-write, keeping the pass memo in sync. Failures are logged and
// abandoned; the rest of the pass continues.
func (e *Engine) adjustProfile(ctx context.Context, pass *passState, userID string, balanceDelta, profitDelta float64) {
	if userID == "" {
		return
	}

	profile := e.fetchProfile(ctx, pass, userID)
	if profile == nil {
		return
	}

	newBalance := profile.Balance + balanceDelta
	newProfits := profile.Profits + profitDelta

	err := e.store.Patch(ctx, tableProfiles, map[string]any{
		"balance": newBalance,
		"profits": newProfits,
	}, map[string]string{"id": "eq." + userID})
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to adjust profile",
			slog.String("profile_id", userID),
			slog.String("error", err.Error()),
		)
		return
	}

	profile.Balance = newBalance
	profile.Profits = newProfits
}

// applyNashBonus bumps the borrower's reputation after a repaid loan. The
// increment grows with the lender-bonus-to-principal ratio and is clamped to
// [0.01, 0.09].
func (e *Engine) applyNashBonus(ctx context.Context, pass *passState, lendeeID string, loanAmount, lenderBonus float64) {
	if lendeeID == "" || lenderBonus <= 0 || loanAmount <= 0 {
		return
	}

	ratio := clamp(lenderBonus/loanAmount, 0, 1)
	increment := clamp(0.01+0.08*ratio, 0.01, 0.09)

	profile := e.fetchProfile(ctx, pass, lendeeID)
	if profile == nil {
		return
	}

	newScore := profile.NashScore + increment
	err := e.store.Patch(ctx, tableProfiles, map[string]any{
		"nashScore": newScore,
	}, map[string]string{"id": "eq." + lendeeID})
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to bump nash score",
			slog.String("profile_id", lendeeID),
			slog.String("error", err.Error()),
		)
		return
	}
	profile.NashScore = newScore
}

// refreshNashScores posts the deduplicated defaulted-borrower batch to the
// scoring oracle and applies the returned mapping. A failed oracle call
// aborts only this step. Returns the number of profiles updated.
func (e *Engine) refreshNashScores(ctx context.Context, pass *passState, ids []string) int {
	mapping, err := e.oracle.RefreshScores(ctx, ids)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to refresh nash scores", slog.String("error", err.Error()))
		return 0
	}
	if len(mapping) == 0 {
		return 0
	}

	updated := 0
	for id, score := range mapping {
		if id == "" {
			continue
		}
		err := e.store.Patch(ctx, tableProfiles, map[string]any{
			"nashScore": score,
		}, map[string]string{"id": "eq." + id})
		if err != nil {
			e.logger.ErrorContext(ctx, "failed to apply oracle score",
				slog.String("profile_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		if profile, ok := pass.profiles[id]; ok {
			profile.NashScore = score
		}
		updated++
	}
	return updated
}

// fetchProfile reads a profile through the pass memo so one subject appearing
// as investor, lender, and borrower costs a single select. Failed reads are
// not memoized.
func (e *Engine) fetchProfile(ctx context.Context, pass *passState, userID string) *domain.Profile {
	if profile, ok := pass.profiles[userID]; ok {
		return profile
	}

	var rows []domain.Profile
	err := e.store.Select(ctx, tableProfiles, map[string]string{
		"select": "id,balance,profits,nashScore",
		"id":     "eq." + userID,
	}, &rows)
	if err != nil {
		e.logger.ErrorContext(ctx, "unable to fetch profile",
			slog.String("profile_id", userID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if len(rows) == 0 {
		return nil
	}

	profile := rows[0]
	pass.profiles[userID] = &profile
	return &profile
}

func (e *Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// passState owns the per-pass profile memo. It is created at the start of a
// pass and discarded at the end; nothing in it survives across passes.
type passState struct {
	profiles map[string]*domain.Profile
}

func newPassState() *passState {
	return &passState{profiles: make(map[string]*domain.Profile)}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
