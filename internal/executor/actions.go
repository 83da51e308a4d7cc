package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"finllm.org/internal/delegation"
	"finllm.org/internal/intent"
	"finllm.org/internal/ledger"
)

// outcome is what a handler reports back to the pipeline.
type outcome struct {
	Response string
	Money    ledger.Money
	Target   string
	TxID     string
}

// handler performs one authorized action for owner. idem is unique per
// agent token, so a retried posting cannot move money twice.
type handler func(ctx context.Context, l ledger.Service, owner string, req delegation.ActionRequest, idem string) (outcome, error)

var handlers = map[string]handler{
	intent.ActionTransfer:     transfer,
	intent.ActionPayBill:      payBill,
	intent.ActionWithdraw:     withdraw,
	intent.ActionDeposit:      deposit,
	intent.ActionCheckBalance: checkBalance,
}

func money(req delegation.ActionRequest) (ledger.Money, error) {
	if req.Amount == nil || req.Unit == nil {
		return ledger.Money{}, ledger.ErrInvalidAmount
	}
	return ledger.MoneyOf(*req.Amount, *req.Unit)
}

func target(req delegation.ActionRequest, fallback string) string {
	if req.Target == nil || strings.TrimSpace(*req.Target) == "" {
		return fallback
	}
	return strings.TrimSpace(*req.Target)
}

// transfer moves money to another of the owner's accounts, or out of the
// ledger to a named counterparty when no such account exists.
func transfer(ctx context.Context, l ledger.Service, owner string, req delegation.ActionRequest, idem string) (outcome, error) {
	amt, err := money(req)
	if err != nil {
		return outcome{}, err
	}
	to := target(req, "")
	if _, err := l.GetAccount(ctx, owner, to); err == nil {
		tx, err := l.Transfer(ctx, owner, ledger.DefaultAlias, to, amt, idem)
		if err != nil {
			return outcome{}, err
		}
		return outcome{
			Response: fmt.Sprintf("Transferred %s from %s to %s.", amt.Format(), ledger.DefaultAlias, ledger.NormalizeAlias(to)),
			Money:    amt, Target: to, TxID: tx.ID,
		}, nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return outcome{}, err
	}
	tx, err := l.PayBill(ctx, owner, ledger.DefaultAlias, to, amt, idem)
	if err != nil {
		return outcome{}, err
	}
	return outcome{
		Response: fmt.Sprintf("Transferred %s from %s to %s.", amt.Format(), ledger.DefaultAlias, to),
		Money:    amt, Target: to, TxID: tx.ID,
	}, nil
}

func payBill(ctx context.Context, l ledger.Service, owner string, req delegation.ActionRequest, idem string) (outcome, error) {
	amt, err := money(req)
	if err != nil {
		return outcome{}, err
	}
	payee := target(req, "")
	tx, err := l.PayBill(ctx, owner, ledger.DefaultAlias, payee, amt, idem)
	if err != nil {
		return outcome{}, err
	}
	return outcome{
		Response: fmt.Sprintf("Paid %s to %s.", amt.Format(), payee),
		Money:    amt, Target: payee, TxID: tx.ID,
	}, nil
}

func withdraw(ctx context.Context, l ledger.Service, owner string, req delegation.ActionRequest, idem string) (outcome, error) {
	amt, err := money(req)
	if err != nil {
		return outcome{}, err
	}
	alias := target(req, ledger.DefaultAlias)
	tx, err := l.Withdraw(ctx, owner, alias, amt, idem)
	if err != nil {
		return outcome{}, err
	}
	return outcome{
		Response: fmt.Sprintf("Withdrew %s from %s.", amt.Format(), ledger.NormalizeAlias(alias)),
		Money:    amt, Target: alias, TxID: tx.ID,
	}, nil
}

func deposit(ctx context.Context, l ledger.Service, owner string, req delegation.ActionRequest, idem string) (outcome, error) {
	amt, err := money(req)
	if err != nil {
		return outcome{}, err
	}
	alias := target(req, ledger.DefaultAlias)
	tx, err := l.Deposit(ctx, owner, alias, amt, idem)
	if err != nil {
		return outcome{}, err
	}
	return outcome{
		Response: fmt.Sprintf("Deposited %s to %s.", amt.Format(), ledger.NormalizeAlias(alias)),
		Money:    amt, Target: alias, TxID: tx.ID,
	}, nil
}

func checkBalance(ctx context.Context, l ledger.Service, owner string, req delegation.ActionRequest, _ string) (outcome, error) {
	alias := target(req, ledger.DefaultAlias)
	acc, err := l.GetAccount(ctx, owner, alias)
	if err != nil {
		return outcome{}, err
	}
	if req.Unit != nil {
		currency, err := ledger.NormalizeCurrency(*req.Unit)
		if err != nil {
			return outcome{}, err
		}
		m := ledger.Money{Currency: currency, Amount: acc.Balances[currency]}
		return outcome{
			Response: fmt.Sprintf("Balance of %s: %s.", acc.Alias, m.Format()),
			Money:    m, Target: acc.Alias,
		}, nil
	}
	currencies := make([]string, 0, len(acc.Balances))
	for c := range acc.Balances {
		currencies = append(currencies, c)
	}
	sort.Strings(currencies)
	parts := make([]string, 0, len(currencies))
	for _, c := range currencies {
		parts = append(parts, ledger.Money{Currency: c, Amount: acc.Balances[c]}.Format())
	}
	if len(parts) == 0 {
		parts = append(parts, "no funds")
	}
	return outcome{
		Response: fmt.Sprintf("Balance of %s: %s.", acc.Alias, strings.Join(parts, ", ")),
		Target:   acc.Alias,
	}, nil
}
