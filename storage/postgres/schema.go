package postgres

const createStatusType = `
DO $$
BEGIN
	IF NOT EXISTS (SELECT 1 FROM pg_type WHERE typname = 'JobsterJobStatus') THEN
		CREATE TYPE "JobsterJobStatus" AS ENUM ('pending', 'running', 'failure');
	END IF;
END $$;`

const createJobsTable = `
CREATE TABLE IF NOT EXISTS "JobsterJobs" (
	id UUID PRIMARY KEY,
	name VARCHAR(50) NOT NULL,
	payload JSONB NOT NULL,
	status "JobsterJobStatus" NOT NULL DEFAULT 'pending',
	retries INTEGER NOT NULL DEFAULT 0,
	"lastRunAt" TIMESTAMP WITH TIME ZONE,
	"nextRunAfter" TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
	"createdAt" TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP,
	"updatedAt" TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

const createListenersTable = `
CREATE TABLE IF NOT EXISTS "JobsterJobListeners" (
	id TEXT PRIMARY KEY,
	payload JSONB NOT NULL,
	"createdAt" TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP,
	"updatedAt" TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// Instance ids are free-form. Tables created with a UUID roster id are widened in place.
const widenListenerID = `ALTER TABLE "JobsterJobListeners" ALTER COLUMN id TYPE TEXT USING id::text`

var createIndexes = []string{
	`CREATE INDEX IF NOT EXISTS jobster_job_name_idx ON "JobsterJobs" (name)`,
	`CREATE INDEX IF NOT EXISTS jobster_job_status_idx ON "JobsterJobs" (status)`,
	`CREATE INDEX IF NOT EXISTS jobster_job_next_run_after_idx ON "JobsterJobs" ("nextRunAfter")`,
	`CREATE INDEX IF NOT EXISTS jobster_job_created_at_idx ON "JobsterJobs" ("createdAt")`,
	`CREATE INDEX IF NOT EXISTS jobster_job_updated_at_idx ON "JobsterJobs" ("updatedAt")`,
}

// jobColumns is the select list every read scans through scanJob
const jobColumns = `id::text, name, payload::text, status::text, retries, "lastRunAt", "nextRunAfter", "createdAt", "updatedAt"`

// eligible is the claim predicate: pending and due, or running with a stale claim
const eligible = `((status = 'pending' AND "nextRunAfter" <= NOW())
	OR (status = 'running' AND "updatedAt" < NOW() - INTERVAL '1 minute'))`
