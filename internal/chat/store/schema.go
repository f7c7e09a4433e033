package store

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	backend TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	meta TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	id TEXT NOT NULL,
	parent_agent_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, id)
);

CREATE TABLE IF NOT EXISTS entries (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	conversation_id TEXT NOT NULL,
	id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	kind TEXT NOT NULL,
	body TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, id)
);

CREATE INDEX IF NOT EXISTS idx_entries_conversation ON entries(session_id, conversation_id, seq);

CREATE TABLE IF NOT EXISTS agents (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	sdk_agent_id TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	agent_type TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	resume_id TEXT NOT NULL DEFAULT '',
	result_summary TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, sdk_agent_id)
);

CREATE TABLE IF NOT EXISTS tool_results (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	call_id TEXT NOT NULL,
	output TEXT NOT NULL,
	is_error INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, call_id)
);
`
