/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package database

const (
	schema = `
	-- Current value of every ledger key
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- Append-only history of every write, oldest first by seq
	CREATE TABLE IF NOT EXISTS kv_history (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL,
		value BLOB,
		deleted BOOLEAN NOT NULL DEFAULT 0,
		recorded_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_kv_history_key ON kv_history(key, seq);
	`

	queryGetValue = `
		SELECT value
		FROM kv
		WHERE key = ?`

	queryRangeScan = `
		SELECT key, value
		FROM kv
		WHERE key >= ? AND key < ?
		ORDER BY key`

	queryRangeScanOpen = `
		SELECT key, value
		FROM kv
		WHERE key >= ?
		ORDER BY key`

	queryUpsertValue = `
		INSERT INTO kv (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

	queryDeleteValue = `
		DELETE FROM kv
		WHERE key = ?`

	queryInsertHistory = `
		INSERT INTO kv_history (key, value, deleted, recorded_at)
		VALUES (?, ?, ?, ?)`

	queryGetHistory = `
		SELECT value, deleted, recorded_at
		FROM kv_history
		WHERE key = ?
		ORDER BY seq`
)
