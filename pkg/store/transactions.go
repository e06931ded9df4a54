package store

import (
	"context"
	"fmt"

	"github.com/urpmd/urpmd/pkg/types"
)

// BeginTransaction creates a new "running" history row for user and
// returns its id. No package rows are recorded yet; callers batch them
// via RecordPackage before CompleteTransaction/AbortTransaction.
func (s *Store) BeginTransaction(ctx context.Context, action types.TransactionAction, command, user string) (int64, error) {
	var id int64
	err := s.withLockRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO transactions (user, action, command, status) VALUES (?, ?, ?, ?)`,
			user, string(action), command, string(types.TxStatusRunning))
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// RecordPackage appends one per-package mutation row to a running
// transaction. Each call commits its row on its own, so it is visible to
// readers at once, but the history row's status stays "running" until
// CompleteTransaction.
func (s *Store) RecordPackage(ctx context.Context, txID int64, nevra, name string, action types.PackageTxAction, reason types.InstallReason, previousNEVRA string) error {
	return s.withLockRetry(ctx, func() error {
		var seq int
		if err := s.db.GetContext(ctx, &seq, `
			SELECT COALESCE(MAX(seq), 0) + 1 FROM transaction_packages WHERE transaction_id = ?`, txID); err != nil {
			return fmt.Errorf("failed to compute next seq for transaction %d: %w", txID, err)
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO transaction_packages (transaction_id, seq, nevra, name, action, reason, previous_nevra)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			txID, seq, nevra, name, string(action), string(reason), previousNEVRA)
		if err != nil {
			return fmt.Errorf("failed to record package %s in transaction %d: %w", nevra, txID, err)
		}
		return nil
	})
}

// CompleteTransaction marks a transaction complete and records the RPM
// return code, with retry+backoff under lock contention (a background
// daemon may briefly hold a write lock during RPM-database sync).
func (s *Store) CompleteTransaction(ctx context.Context, txID int64, returnCode int) error {
	return s.withLockRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE transactions SET status = ?, return_code = ?, completed_at = CURRENT_TIMESTAMP WHERE id = ?`,
			string(types.TxStatusComplete), returnCode, txID)
		if err != nil {
			return fmt.Errorf("failed to complete transaction %d: %w", txID, err)
		}
		return nil
	})
}

// AbortTransaction marks a transaction interrupted (SIGINT handling):
// its dependency-reason packages become faildep candidates via a
// separate resolver call, not here. The recorded return code is the
// CLI's interrupted exit code.
func (s *Store) AbortTransaction(ctx context.Context, txID int64) error {
	return s.withLockRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE transactions SET status = ?, return_code = 130, completed_at = CURRENT_TIMESTAMP WHERE id = ?`,
			string(types.TxStatusInterrupted), txID)
		if err != nil {
			return fmt.Errorf("failed to abort transaction %d: %w", txID, err)
		}
		return nil
	})
}

// MarkTransactionCleaned flips an interrupted transaction to "cleaned"
// once its faildeps have been erased by autoremove --faildeps.
func (s *Store) MarkTransactionCleaned(ctx context.Context, txID int64) error {
	return s.withLockRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE transactions SET status = ? WHERE id = ?`,
			string(types.TxStatusCleaned), txID)
		if err != nil {
			return fmt.Errorf("failed to mark transaction %d cleaned: %w", txID, err)
		}
		return nil
	})
}

// MarkUndone links an undone transaction to the new transaction (undo or
// rollback) that reverses it. undoneBy forms a forest: a transaction may
// be undone at most once, enforced here by only updating rows where
// undone_by is still NULL.
func (s *Store) MarkUndone(ctx context.Context, txID, undoneBy int64) error {
	return s.withLockRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE transactions SET undone_by = ? WHERE id = ? AND undone_by IS NULL`, undoneBy, txID)
		if err != nil {
			return fmt.Errorf("failed to mark transaction %d undone: %w", txID, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("transaction %d was already undone", txID)
		}
		return nil
	})
}

// GetTransaction fetches a transaction with its ordered package rows.
func (s *Store) GetTransaction(ctx context.Context, txID int64) (*types.Transaction, error) {
	var t types.Transaction
	if err := s.db.GetContext(ctx, &t, `SELECT * FROM transactions WHERE id = ?`, txID); err != nil {
		return nil, fmt.Errorf("failed to get transaction %d: %w", txID, err)
	}
	var pkgs []types.TransactionPackage
	if err := s.db.SelectContext(ctx, &pkgs, `
		SELECT * FROM transaction_packages WHERE transaction_id = ? ORDER BY seq`, txID); err != nil {
		return nil, fmt.Errorf("failed to get packages for transaction %d: %w", txID, err)
	}
	t.Packages = pkgs
	return &t, nil
}

// GetLastTransaction returns the single "complete" transaction that has
// no undone_by backpointer — the one invariant-held "last" addressable
// transaction.
func (s *Store) GetLastTransaction(ctx context.Context) (*types.Transaction, error) {
	var t types.Transaction
	err := s.db.GetContext(ctx, &t, `
		SELECT * FROM transactions
		WHERE status = ? AND undone_by IS NULL
		ORDER BY id DESC LIMIT 1`, string(types.TxStatusComplete))
	if err != nil {
		return nil, fmt.Errorf("failed to get last transaction: %w", err)
	}
	return s.GetTransaction(ctx, t.ID)
}

// ListTransactions returns history rows newest-first, optionally limited.
func (s *Store) ListTransactions(ctx context.Context, limit int) ([]*types.Transaction, error) {
	query := `SELECT * FROM transactions ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	var txs []*types.Transaction
	if err := s.db.SelectContext(ctx, &txs, query); err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txs, nil
}

// CountTransactions returns the number of history rows.
func (s *Store) CountTransactions(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM transactions`); err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return n, nil
}
