// Package database provides the SQLite store behind the bridge's audit log.
//
// The database runs in WAL mode with a single writer connection. Schema
// changes are numbered migration files applied in order from an fs.FS,
// normally the embedded migrations package:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are additive: new columns must be nullable or carry a default.
package database
