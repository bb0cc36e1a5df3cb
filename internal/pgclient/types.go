package pgclient

// DbConfig names the Postgres server a pool's workers connect to and the
// credentials they authenticate with. Immutable and process-wide once
// loaded (spec §3).
type DbConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// PoolConfig names a pool instance: how many workers it holds and which
// PREPARE statements every worker runs once at birth (spec §3, §4.4).
type PoolConfig struct {
	Name         string
	Size         int
	DB           DbConfig
	PreparePlans []string
}
