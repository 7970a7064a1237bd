package postgres

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Fund catalog, loaded from the upstream master and enriched
			-- with per-system portfolio identifiers.
			CREATE TABLE funds (
				id INTEGER PRIMARY KEY,
				short_name VARCHAR(64) NOT NULL,
				portfolio_custody VARCHAR(64),
				portfolio_cash_model VARCHAR(64),
				portfolio_derivatives VARCHAR(64),
				portfolio_alt_custody VARCHAR(64),
				flags JSONB NOT NULL DEFAULT '{}',
				active BOOLEAN NOT NULL DEFAULT true,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			-- One orchestrated run over a reporting date.
			CREATE TABLE processes (
				id BIGSERIAL PRIMARY KEY,
				report_date DATE NOT NULL,
				state VARCHAR(32) NOT NULL CHECK (state IN ('IN_PROGRESS', 'COMPLETED', 'COMPLETED_WITH_ERRORS', 'ERROR')),
				total_funds INTEGER NOT NULL DEFAULT 0,
				funds_ok INTEGER NOT NULL DEFAULT 0,
				funds_error INTEGER NOT NULL DEFAULT 0,
				funds_standby INTEGER NOT NULL DEFAULT 0,
				funds_skipped INTEGER NOT NULL DEFAULT 0,
				has_dirty_positions BOOLEAN NOT NULL DEFAULT false,
				has_mapping_problems BOOLEAN NOT NULL DEFAULT false,
				has_mismatches BOOLEAN NOT NULL DEFAULT false,
				has_missing_extracts BOOLEAN NOT NULL DEFAULT false,
				initiated_by VARCHAR(128),
				started_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				finished_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_processes_report_date ON processes(report_date);
			CREATE INDEX idx_processes_state ON processes(state);

			-- One fund's traversal of the pipeline within a process.
			-- Append-only audit trail.
			CREATE TABLE executions (
				id BIGSERIAL PRIMARY KEY,
				process_id BIGINT NOT NULL REFERENCES processes(id),
				fund_id INTEGER NOT NULL REFERENCES funds(id),
				fund_short_name VARCHAR(64) NOT NULL,
				portfolio_custody VARCHAR(64),
				portfolio_cash_model VARCHAR(64),
				portfolio_derivatives VARCHAR(64),
				portfolio_alt_custody VARCHAR(64),
				stage_states JSONB NOT NULL DEFAULT '{}',
				final_state VARCHAR(32) NOT NULL DEFAULT 'PENDING',
				error_stage VARCHAR(128),
				error_message TEXT,
				pause_state VARCHAR(16),
				block_point VARCHAR(128),
				started_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				finished_at TIMESTAMP WITH TIME ZONE,
				duration_ms BIGINT
			);

			CREATE INDEX idx_executions_process_id ON executions(process_id);
			CREATE INDEX idx_executions_fund_id ON executions(fund_id);
			CREATE INDEX idx_executions_pause_state ON executions(pause_state);

			-- One row per detected pause condition. The unique constraint
			-- enforces exactly-once creation per (execution, stage).
			CREATE TABLE standby_records (
				id BIGSERIAL PRIMARY KEY,
				execution_id BIGINT NOT NULL REFERENCES executions(id),
				fund_id INTEGER NOT NULL,
				problem_type VARCHAR(64) NOT NULL,
				result_code INTEGER NOT NULL,
				stage VARCHAR(128) NOT NULL,
				block_point VARCHAR(128),
				problem_count INTEGER NOT NULL DEFAULT 0,
				detail TEXT,
				resolved BOOLEAN NOT NULL DEFAULT false,
				resolved_by VARCHAR(128),
				resolved_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				UNIQUE (execution_id, stage)
			);

			CREATE INDEX idx_standby_records_resolved ON standby_records(resolved);
			CREATE INDEX idx_standby_records_fund_id ON standby_records(fund_id);

			-- Critical-failure exclusion markers consulted at fan-out time.
			CREATE TABLE fund_problems (
				id BIGSERIAL PRIMARY KEY,
				fund_id INTEGER NOT NULL,
				report_date DATE NOT NULL,
				stage VARCHAR(128) NOT NULL,
				message TEXT,
				cleared BOOLEAN NOT NULL DEFAULT false,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				UNIQUE (fund_id, report_date, stage)
			);

			CREATE INDEX idx_fund_problems_report_date ON fund_problems(report_date);

			-- Durable audit trail of pipeline lifecycle events.
			CREATE TABLE event_log (
				id BIGSERIAL PRIMARY KEY,
				process_id BIGINT,
				execution_id BIGINT,
				fund_id INTEGER,
				event_type VARCHAR(64) NOT NULL,
				stage VARCHAR(128),
				detail TEXT,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_event_log_execution_id ON event_log(execution_id);
			CREATE INDEX idx_event_log_created_at ON event_log(created_at);
		`,
		2: `
			-- Notification helper used by the stage procedures. Every
			-- lifecycle message goes through here so the envelope stays
			-- uniform on the etl_events channel.
			CREATE OR REPLACE FUNCTION etl_notify(message JSONB) RETURNS VOID AS $$
			BEGIN
				PERFORM pg_notify('etl_events', message::TEXT);
			END;
			$$ LANGUAGE plpgsql;
		`,
	}
}
