// Package ledger implements a thread-safe, idempotent double-entry credit
// ledger: user charges, node rewards, refunds, and job cost estimation.
package ledger

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/nightowl/pkg/fabric"
)

// ErrInsufficientCredits is returned when a transfer would drive a
// non-negative-source account below zero.
var ErrInsufficientCredits = errors.New("insufficient_credits")

// ErrInvalidAmount is returned for non-positive transfer/mint amounts.
var ErrInvalidAmount = errors.New("amount must be positive")

// Clock lets tests control time; defaults to time.Now.
type Clock func() time.Time

// Ledger is the coordinator's credit ledger. All mutating operations are
// guarded by a single mutex; it is a leaf lock, never held while acquiring
// the state store's job/node locks.
type Ledger struct {
	mu sync.Mutex

	accounts map[fabric.AccountKey]*fabric.CreditAccount
	txns     []fabric.CreditTransaction
	idem     map[string]string // idempotency key -> transaction id

	bootstrapUserCredits float64
	now                  Clock
}

// New creates a ledger and bootstraps the platform reserve with
// max(100_000, 10*bootstrapUserCredits) under a fixed idempotency key, so
// restarting within the same process is a no-op for the mint.
func New(bootstrapUserCredits float64, clock Clock) *Ledger {
	if clock == nil {
		clock = time.Now
	}
	l := &Ledger{
		accounts:             make(map[fabric.AccountKey]*fabric.CreditAccount),
		idem:                 make(map[string]string),
		bootstrapUserCredits: bootstrapUserCredits,
		now:                  clock,
	}
	mintAmount := math.Max(100_000, 10*bootstrapUserCredits)
	_, _ = l.mintLocked(fabric.AccountKey{Type: fabric.AccountPlatform, ID: "reserve"}, mintAmount, "bootstrap mint", "", "bootstrap:platform-reserve")
	return l
}

func (l *Ledger) account(key fabric.AccountKey) *fabric.CreditAccount {
	acc, ok := l.accounts[key]
	if ok {
		return acc
	}
	balance := 0.0
	if key.Type == fabric.AccountUser {
		balance = l.bootstrapUserCredits
	}
	acc = &fabric.CreditAccount{Key: key, Balance: balance, CreatedAt: l.now(), UpdatedAt: l.now()}
	l.accounts[key] = acc
	return acc
}

// Account returns a copy of the account, creating it (with the bootstrap
// balance, for user accounts) if it does not exist yet.
func (l *Ledger) Account(key fabric.AccountKey) fabric.CreditAccount {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.account(key)
}

func (l *Ledger) recordTxn(t fabric.CreditTransaction) fabric.CreditTransaction {
	t.ID = uuid.NewString()
	t.CreatedAt = l.now()
	l.txns = append(l.txns, t)
	if t.IdemKey != "" {
		l.idem[t.IdemKey] = t.ID
	}
	return t
}

func (l *Ledger) txnByID(id string) (fabric.CreditTransaction, bool) {
	for _, t := range l.txns {
		if t.ID == id {
			return t, true
		}
	}
	return fabric.CreditTransaction{}, false
}

// replay returns the previously recorded transaction for an idempotency key,
// if any.
func (l *Ledger) replay(idemKey string) (fabric.CreditTransaction, bool) {
	if idemKey == "" {
		return fabric.CreditTransaction{}, false
	}
	id, ok := l.idem[idemKey]
	if !ok {
		return fabric.CreditTransaction{}, false
	}
	return l.txnByID(id)
}

// Mint issues new credits into an account with no source. amount must be > 0.
func (l *Ledger) Mint(account fabric.AccountKey, amount float64, reason, referenceID, idemKey string) (fabric.CreditTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mintLocked(account, amount, reason, referenceID, idemKey)
}

func (l *Ledger) mintLocked(account fabric.AccountKey, amount float64, reason, referenceID, idemKey string) (fabric.CreditTransaction, error) {
	if t, ok := l.replay(idemKey); ok {
		return t, nil
	}
	if amount <= 0 {
		return fabric.CreditTransaction{}, ErrInvalidAmount
	}
	acc := l.account(account)
	acc.Balance += amount
	acc.UpdatedAt = l.now()
	t := l.recordTxn(fabric.CreditTransaction{
		Type:        fabric.TxnMint,
		Amount:      amount,
		Target:      account,
		Reason:      reason,
		ReferenceID: referenceID,
		IdemKey:     idemKey,
	})
	return t, nil
}

// TransferOpts configures a Transfer call.
type TransferOpts struct {
	Type              fabric.TransactionType
	Reason            string
	ReferenceID       string
	IdemKey           string
	AllowNegativeSource bool
}

// Transfer moves amount credits from one account to another.
func (l *Ledger) Transfer(from, to fabric.AccountKey, amount float64, opts TransferOpts) (fabric.CreditTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transferLocked(from, to, amount, opts)
}

func (l *Ledger) transferLocked(from, to fabric.AccountKey, amount float64, opts TransferOpts) (fabric.CreditTransaction, error) {
	if t, ok := l.replay(opts.IdemKey); ok {
		return t, nil
	}
	if amount <= 0 {
		return fabric.CreditTransaction{}, ErrInvalidAmount
	}

	src := l.account(from)
	if src.Balance-amount < 0 && !opts.AllowNegativeSource {
		return fabric.CreditTransaction{}, fmt.Errorf("%w: account %s/%s has %.4f, needs %.4f", ErrInsufficientCredits, from.Type, from.ID, src.Balance, amount)
	}

	dst := l.account(to)

	src.Balance -= amount
	src.UpdatedAt = l.now()
	dst.Balance += amount
	dst.UpdatedAt = l.now()

	txnType := opts.Type
	if txnType == "" {
		txnType = fabric.TxnTransfer
	}

	t := l.recordTxn(fabric.CreditTransaction{
		Type:        txnType,
		Amount:      amount,
		Source:      from,
		HasSource:   true,
		Target:      to,
		Reason:      opts.Reason,
		ReferenceID: opts.ReferenceID,
		IdemKey:     opts.IdemKey,
	})
	return t, nil
}

func platformReserve() fabric.AccountKey {
	return fabric.AccountKey{Type: fabric.AccountPlatform, ID: "reserve"}
}

// ChargeUserForJob debits the user account into the platform reserve.
func (l *Ledger) ChargeUserForJob(userID, jobID string, amount float64) (fabric.CreditTransaction, error) {
	return l.Transfer(
		fabric.AccountKey{Type: fabric.AccountUser, ID: userID},
		platformReserve(),
		amount,
		TransferOpts{
			Type:        fabric.TxnDebit,
			Reason:      "job charge",
			ReferenceID: jobID,
			IdemKey:     fmt.Sprintf("charge:%s:%s", jobID, userID),
		},
	)
}

// RewardNode pays a node from the platform reserve, even if that drives the
// reserve negative (the reserve is allowed to run a deficit).
func (l *Ledger) RewardNode(nodeID, jobID string, amount float64, reason string) (fabric.CreditTransaction, error) {
	return l.Transfer(
		platformReserve(),
		fabric.AccountKey{Type: fabric.AccountNode, ID: nodeID},
		amount,
		TransferOpts{
			Type:                fabric.TxnReward,
			Reason:              reason,
			ReferenceID:         jobID,
			IdemKey:             fmt.Sprintf("reward:%s:%s:%s", jobID, nodeID, reason),
			AllowNegativeSource: true,
		},
	)
}

// RefundUser refunds a user from the platform reserve.
func (l *Ledger) RefundUser(userID, jobID string, amount float64) (fabric.CreditTransaction, error) {
	return l.Transfer(
		platformReserve(),
		fabric.AccountKey{Type: fabric.AccountUser, ID: userID},
		amount,
		TransferOpts{
			Type:                fabric.TxnRefund,
			Reason:              "job refund",
			ReferenceID:         jobID,
			IdemKey:             fmt.Sprintf("refund:%s:%s", jobID, userID),
			AllowNegativeSource: true,
		},
	)
}

// ListTransactions returns transactions in reverse-chronological order,
// optionally filtered to those where account participates as source or
// target, capped at limit (<=500).
func (l *Ledger) ListTransactions(account *fabric.AccountKey, limit int) []fabric.CreditTransaction {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 || limit > 500 {
		limit = 500
	}

	var filtered []fabric.CreditTransaction
	for _, t := range l.txns {
		if account != nil {
			matches := t.Target == *account || (t.HasSource && t.Source == *account)
			if !matches {
				continue
			}
		}
		filtered = append(filtered, t)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
	})

	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered
}

// EstimateJobCost implements spec.md §4.3's cost heuristic.
func EstimateJobCost(cfg fabric.JobConfig, parseParamHintB func(model string) float64) float64 {
	paramHintB := parseParamHintB(cfg.Model)
	tokenFactor := clampF(0.5, 4, float64(cfg.MaxTokens)/1024)
	replicas := cfg.Replicas
	if replicas < 1 {
		replicas = 1
	}
	raw := (0.35 + paramHintB*0.028 + tokenFactor*0.22) * float64(replicas)
	cost := math.Max(0.25, raw)
	return math.Round(cost*10000) / 10000
}

// Snapshot is a point-in-time copy of every account and transaction,
// suitable for writing to disk and restoring into a fresh Ledger.
type Snapshot struct {
	Accounts []fabric.CreditAccount
	Txns     []fabric.CreditTransaction
}

// Snapshot captures the ledger's current accounts and transaction log.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	accounts := make([]fabric.CreditAccount, 0, len(l.accounts))
	for _, acc := range l.accounts {
		accounts = append(accounts, *acc)
	}
	return Snapshot{
		Accounts: accounts,
		Txns:     append([]fabric.CreditTransaction(nil), l.txns...),
	}
}

// Restore replaces the ledger's accounts, transaction log, and idempotency
// index from a previously captured Snapshot. Intended for use at startup,
// before the ledger is exposed to concurrent callers.
func (l *Ledger) Restore(snap Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts = make(map[fabric.AccountKey]*fabric.CreditAccount, len(snap.Accounts))
	for _, acc := range snap.Accounts {
		a := acc
		l.accounts[acc.Key] = &a
	}
	l.txns = append([]fabric.CreditTransaction(nil), snap.Txns...)
	l.idem = make(map[string]string, len(l.txns))
	for _, t := range l.txns {
		if t.IdemKey != "" {
			l.idem[t.IdemKey] = t.ID
		}
	}
}

func clampF(lo, hi, v float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
