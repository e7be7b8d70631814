package database

// Migration is a single schema change applied in version order
type Migration struct {
	Version int
	SQL     string
}

var migrations = []Migration{
	{
		Version: 1,
		SQL: `
			CREATE TABLE folders (
				id TEXT PRIMARY KEY,
				ord INTEGER NOT NULL UNIQUE,
				path TEXT NOT NULL UNIQUE,
				kind TEXT NOT NULL DEFAULT ''
			);

			CREATE TABLE emails (
				id INTEGER PRIMARY KEY,
				folder_path TEXT NOT NULL,
				uid INTEGER NOT NULL DEFAULT 0,
				message_id TEXT NOT NULL DEFAULT '',
				references_json TEXT NOT NULL DEFAULT '[]',
				date DATETIME,
				received_at DATETIME,
				flags INTEGER NOT NULL DEFAULT 0,
				UNIQUE(folder_path, uid)
			);

			CREATE INDEX idx_emails_folder_id ON emails(folder_path, id);
			CREATE INDEX idx_emails_message_id ON emails(message_id);
		`,
	},
}
