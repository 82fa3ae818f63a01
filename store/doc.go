// Package store keeps the buddy list and durable messages in a SQL
// database. SQLite (modernc.org/sqlite) is the default; PostgreSQL
// (github.com/lib/pq) is supported for shared deployments.
//
//	s, err := store.Open(store.DriverSQLite, filepath.Join(dataDir, "buddynet.db"))
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//
// A Store implements buddy.Persister and persistent.Store.
package store
