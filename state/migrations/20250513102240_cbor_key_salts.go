package migrations

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/lockbase/lockbase/internal"
	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upCborKeySalts, downCborKeySalts)
}

// Early versions stored key salts as JSONB. The wire format is CBOR, so the
// handshake had to re-encode the salts on every connection; store the CBOR
// bytes directly instead.
func upCborKeySalts(ctx context.Context, tx *sql.Tx) error {
	// check if we even need to do anything
	var dataType string
	err := tx.QueryRow("select data_type from information_schema.columns where table_name = 'lockbase_users' AND column_name = 'key_salts'").Scan(&dataType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// The table/column doesn't exist and is likely going to be created soon
			// with the correct schema
			return nil
		}
		return err
	}
	if strings.ToLower(dataType) == "bytea" {
		return nil
	}

	_, err = tx.ExecContext(ctx, "ALTER TABLE IF EXISTS lockbase_users ADD COLUMN IF NOT EXISTS key_saltsb BYTEA;")
	if err != nil {
		return err
	}

	rows, err := tx.Query("SELECT user_id, key_salts FROM lockbase_users")
	if err != nil {
		return err
	}
	defer rows.Close()

	var userID string
	var data []byte

	saltsByUser := make(map[string][]byte)
	for rows.Next() {
		if err = rows.Scan(&userID, &data); err != nil {
			return err
		}
		saltsByUser[userID] = data
	}
	if rows.Err() != nil {
		return rows.Err()
	}

	for userID, jsonBytes := range saltsByUser {
		var salts internal.KeySalts
		if err := json.Unmarshal(jsonBytes, &salts); err != nil {
			return fmt.Errorf("failed to unmarshal JSON: %v -> %v", string(jsonBytes), err)
		}
		cborBytes, err := salts.CBOR()
		if err != nil {
			return fmt.Errorf("failed to marshal as CBOR: %v", err)
		}

		_, err = tx.ExecContext(ctx, "UPDATE lockbase_users SET key_saltsb = $1 WHERE user_id = $2;", cborBytes, userID)
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, "ALTER TABLE IF EXISTS lockbase_users DROP COLUMN IF EXISTS key_salts;")
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "ALTER TABLE IF EXISTS lockbase_users RENAME COLUMN key_saltsb TO key_salts;")
	if err != nil {
		return err
	}

	return nil
}

func downCborKeySalts(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, "ALTER TABLE IF EXISTS lockbase_users ADD COLUMN IF NOT EXISTS key_saltsj JSONB;")
	if err != nil {
		return err
	}

	rows, err := tx.Query("SELECT user_id, key_salts FROM lockbase_users")
	if err != nil {
		return err
	}
	defer rows.Close()

	var userID string
	var data []byte

	saltsByUser := make(map[string][]byte)
	for rows.Next() {
		if err = rows.Scan(&userID, &data); err != nil {
			return err
		}
		saltsByUser[userID] = data
	}
	if rows.Err() != nil {
		return rows.Err()
	}

	for userID, cborBytes := range saltsByUser {
		var salts internal.KeySalts
		if err := cbor.Unmarshal(cborBytes, &salts); err != nil {
			return fmt.Errorf("failed to unmarshal CBOR: %v", err)
		}
		jsonBytes, err := json.Marshal(&salts)
		if err != nil {
			return fmt.Errorf("failed to marshal as JSON: %v", err)
		}

		_, err = tx.ExecContext(ctx, "UPDATE lockbase_users SET key_saltsj = $1 WHERE user_id = $2;", jsonBytes, userID)
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, "ALTER TABLE IF EXISTS lockbase_users DROP COLUMN IF EXISTS key_salts;")
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "ALTER TABLE IF EXISTS lockbase_users RENAME COLUMN key_saltsj TO key_salts;")
	if err != nil {
		return err
	}
	return nil
}
