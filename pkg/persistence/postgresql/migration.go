package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE workflows (
				id TEXT PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				workflow_type VARCHAR(32) NOT NULL,
				status VARCHAR(32) NOT NULL,
				document JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflows_status ON workflows(status);
			CREATE INDEX idx_workflows_created_at ON workflows(created_at);
		`,
		2: `
			CREATE TABLE workflow_events (
				seq BIGSERIAL PRIMARY KEY,
				id TEXT NOT NULL UNIQUE,
				workflow_id TEXT NOT NULL,
				execution_id TEXT,
				event_type VARCHAR(64) NOT NULL,
				payload JSONB NOT NULL,
				occurred_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflow_events_workflow_id ON workflow_events(workflow_id, seq);
			CREATE INDEX idx_workflow_events_type ON workflow_events(event_type);
		`,
	}
}
