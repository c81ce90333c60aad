package plaindb

// DBOpt configures the DB built by Open
type DBOpt interface {
	do(*database) error
}

type dbOpt func(*database) error

func (opt dbOpt) do(db *database) error {
	return opt(db)
}

// VersionControl commits every bucket save to a git repository in the data directory, creating it if needed
func VersionControl() DBOpt {
	return dbOpt(func(db *database) error {
		repo, err := newSyncRepo(db.path)
		if err != nil {
			return err
		}
		db.repo = repo
		return nil
	})
}
