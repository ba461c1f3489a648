package journal

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE run(
			id INTEGER PRIMARY KEY,
			uuid TEXT NOT NULL,
			time INT NOT NULL,
			frames_dir TEXT NOT NULL,
			cache_key TEXT NOT NULL,
			frame_count INT NOT NULL,
			params TEXT,
			selected_count INT NOT NULL
		);
		CREATE INDEX idx_run_frames_dir ON run (frames_dir, time);

		CREATE TABLE run_frame(
			run_id INT NOT NULL,
			frame_index INT NOT NULL,
			PRIMARY KEY (run_id, frame_index)
		);
	`))

	return migs
}
