package ledger

import (
	"time"

	"ledger-core/internal/model"
	"ledger-core/pkg/money"
)

// applyCreditThreshold is the single unbacked-credit rule shared by every
// balance mutation. The threshold is -creditBackedAmount; a balance below it
// is using unbacked credit, and a set payment-due date records that it was.
//
//   - going below with no due date starts the payment-due clock
//   - staying below keeps the existing due date
//   - reaching the threshold from below (or with a due date pending) counts
//     one payoff and clears the due date and the last payoff failure
//
// Balances are judged with in-flight instant-transfer deposits counted in
// (Account.CoveredBalance): a shortfall a held deposit already covers is not
// credit. oldBalance is the covered balance and oldBacked the backed amount
// read before the mutation, and a must still carry the CreditPaymentDue
// that was read. It reports whether the account is using unbacked credit
// afterwards.
func applyCreditThreshold(a *model.Account, oldBalance, oldBacked money.Money, now time.Time, duePeriod time.Duration) bool {
	wasBelow := oldBalance.LessThan(oldBacked.Neg()) || a.CreditPaymentDue != nil
	isBelow := a.CoveredBalance().LessThan(a.UnbackedThreshold())

	switch {
	case isBelow && a.CreditPaymentDue == nil:
		due := now.Add(duePeriod)
		a.CreditPaymentDue = &due
	case wasBelow && !isBelow:
		a.Credit.Payoffs++
		a.CreditPaymentDue = nil
		a.Credit.LastPayoffFailed = nil
		a.Credit.LastPayoffError = ""
	}
	return isBelow
}
