package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Versioned entity rows addressed by tenant and "<id>_<version>"
			CREATE TABLE entity_rows (
				tenant VARCHAR(255) NOT NULL,
				row_key VARCHAR(512) NOT NULL,
				revision BIGINT NOT NULL,
				data JSONB NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				PRIMARY KEY (tenant, row_key)
			);

			CREATE INDEX idx_entity_rows_prefix ON entity_rows(tenant, row_key varchar_pattern_ops);
		`,
		2: `
			-- Context documents, one row per top-level key
			CREATE TABLE workflow_contexts (
				workflow_id VARCHAR(255) PRIMARY KEY,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE TABLE workflow_context_fields (
				workflow_id VARCHAR(255) NOT NULL REFERENCES workflow_contexts(workflow_id),
				field_key VARCHAR(255) NOT NULL,
				value JSONB,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				PRIMARY KEY (workflow_id, field_key)
			);
		`,
	}
}
