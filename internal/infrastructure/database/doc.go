// Package database opens the SQLite file that holds the porticus session
// log and applies its schema migrations.
//
// The database is optional. Nothing relayed between the device and clients
// is ever written here, only per-session metadata.
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if _, err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package database
