package pgstore

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schemaStatements = []string{
	`create table if not exists wallets (
		user_id text primary key,
		balance bigint not null default 0 check (balance >= 0),
		created_at timestamptz not null default now(),
		updated_at timestamptz not null default now()
	)`,
	`create table if not exists ledger_entries (
		entry_id uuid primary key default gen_random_uuid(),
		user_id text not null,
		amount bigint not null check (amount <> 0),
		currency text not null,
		kind text not null,
		description text not null,
		idempotency_key text,
		metadata jsonb not null default '{}'::jsonb,
		created_at timestamptz not null default now(),
		constraint uniq_ledger_entries_idempotency_key unique (idempotency_key)
	)`,
	`create index if not exists idx_ledger_user_created on ledger_entries (user_id, created_at desc)`,
	`create table if not exists stories (
		story_id bigint primary key,
		title text not null
	)`,
	`create table if not exists chapters (
		chapter_id bigint primary key,
		story_id bigint not null references stories (story_id),
		chapter_number integer not null,
		title text not null,
		price bigint not null default 0 check (price >= 0),
		is_locked boolean not null default false,
		constraint uniq_chapters_story_number unique (story_id, chapter_number)
	)`,
	`create table if not exists chapter_unlocks (
		user_id text not null,
		chapter_id bigint not null references chapters (chapter_id),
		story_id bigint not null,
		job_id text,
		price bigint not null default 0,
		unlocked_at timestamptz not null default now(),
		primary key (user_id, chapter_id)
	)`,
	`alter table chapter_unlocks add column if not exists job_id text`,
	`alter table chapter_unlocks add column if not exists price bigint not null default 0`,
	`create index if not exists idx_chapter_unlocks_user_story on chapter_unlocks (user_id, story_id)`,
	`create index if not exists idx_chapter_unlocks_job on chapter_unlocks (job_id) where job_id is not null`,
	`create table if not exists unlock_jobs (
		job_id text primary key,
		owner_user_id text not null,
		state text not null,
		snapshot jsonb not null,
		end_time timestamptz,
		updated_at timestamptz not null
	)`,
	`create index if not exists idx_unlock_jobs_state_end on unlock_jobs (state, end_time)`,
}

// EnsureSchema creates the tables used by this package when they are missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, statement := range schemaStatements {
		if _, err := pool.Exec(ctx, statement); err != nil {
			return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
		}
	}
	return nil
}
