// Package notify is the best-effort notification sink. Delivery failures are
// swallowed; a notification must never fail the command that emitted it.
package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"time"
)

type Sink struct {
	DB  *sql.DB
	Now func() time.Time
	Log *log.Logger
}

func (s Sink) logger() *log.Logger {
	if s.Log != nil {
		return s.Log
	}
	return log.Default()
}

// SendTx records a notification inside a caller's transaction. Unlike Send
// the error is returned, since the caller owns the transaction's fate.
func (s Sink) SendTx(ctx context.Context, tx *sql.Tx, accountID, text string, meta map[string]any) error {
	if accountID == "" {
		return nil
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	var metaJSON any
	if len(meta) > 0 {
		if b, err := json.Marshal(meta); err == nil {
			metaJSON = string(b)
		}
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO notifications(account_id,text,meta_json,created_at) VALUES (?,?,?,?)`,
		accountID, text, metaJSON, now().UTC().Format(time.RFC3339))
	return err
}

// Send records a notification for an account. Fire-and-forget.
func (s Sink) Send(ctx context.Context, accountID, text string, meta map[string]any) {
	if s.DB == nil || accountID == "" {
		return
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	var metaJSON any
	if len(meta) > 0 {
		if b, err := json.Marshal(meta); err == nil {
			metaJSON = string(b)
		}
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO notifications(account_id,text,meta_json,created_at) VALUES (?,?,?,?)`,
		accountID, text, metaJSON, now().UTC().Format(time.RFC3339))
	if err != nil {
		s.logger().Printf("notify: deliver to %s failed: %v", accountID, err)
	}
}
