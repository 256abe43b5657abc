// Package accounting implements the epoch accountant (C10) of spec.md
// §4.10: per-interval uptime accrual, epoch finalization, slashing, and
// weight-proportional payout-intent emission.
package accounting
